// Command uebridge runs Lua scripts against an engine.
//
//	uebridge run scenario.lua
//	uebridge eval 'print(ue.static("MyObject", "Version"))'
//	uebridge ping --endpoint ws://127.0.0.1:8080/ue
package main

func main() {
	Execute()
}
