// Command uebridge-host serves the demo object model so proxies and scripts can
// run without an engine.
//
//	uebridge-host --listen 127.0.0.1:60001 --http :8080
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
