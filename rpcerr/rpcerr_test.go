package rpcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := New(TimedOut, "call MyObject.Add", "after %s", "2s")
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.False(t, errors.Is(err, ErrConnectionLost))

	wrapped := fmt.Errorf("proxy: %w", err)
	assert.True(t, errors.Is(wrapped, ErrTimedOut))
	assert.Equal(t, TimedOut, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Wrap(ConnectionLost, "send", cause)
	assert.Equal(t, "send: ConnectionLost: broken pipe", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestFromResponse(t *testing.T) {
	err := FromResponse("get Vector2D.Z", "NoSuchProperty", "Vector2D has no property Z")
	assert.Equal(t, NoSuchProperty, err.Kind)
	assert.Equal(t, "Vector2D has no property Z", err.Msg)

	err = FromResponse("call MyObject.Boom", "EngineException", "division by zero")
	assert.Equal(t, Remote, err.Kind)
	assert.Contains(t, err.Msg, "EngineException")
	assert.Contains(t, err.Msg, "division by zero")
}

func TestIsLocal(t *testing.T) {
	assert.True(t, IsLocal(TypeMismatch))
	assert.True(t, IsLocal(StaleReference))
	assert.False(t, IsLocal(ConnectionLost))
	assert.False(t, IsLocal(NoSuchProperty))
	assert.True(t, Known(UnknownCall))
	assert.False(t, Known("Bogus"))
}
