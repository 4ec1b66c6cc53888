package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleanup_ReverseOrder(t *testing.T) {
	c := NewCleanup()

	var order []int
	c.Add(func() { order = append(order, 1) })
	c.Add(func() { order = append(order, 2) })
	c.Add(func() { order = append(order, 3) })

	c.Close()
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestCleanup_Idempotent(t *testing.T) {
	c := NewCleanup()

	calls := 0
	c.Add(func() { calls++ })

	c.Close()
	c.Close()
	assert.Equal(t, 1, calls)
	assert.True(t, c.Closed())
}

func TestCleanup_AddAfterCloseRunsImmediately(t *testing.T) {
	c := NewCleanup()
	c.Close()

	ran := false
	c.Add(func() { ran = true })
	assert.True(t, ran)
}

func TestCleanup_StopsTickers(t *testing.T) {
	c := NewCleanup()
	ticker := time.NewTicker(time.Hour)
	c.AddTicker(ticker)
	c.Close()
	// No assertion possible on a stopped ticker beyond not panicking.
}

func TestEmitter_OnAndEmit(t *testing.T) {
	e := NewEmitter()

	var got []any
	e.On("ping", func(p any) { got = append(got, p) })
	e.Emit("ping", 1)
	e.Emit("ping", 2)
	e.Emit("other", 3)

	assert.Equal(t, []any{1, 2}, got)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()

	calls := 0
	unsub := e.On("ping", func(any) { calls++ })
	e.Emit("ping", nil)
	unsub()
	e.Emit("ping", nil)

	assert.Equal(t, 1, calls)
}

func TestEmitter_PanicInHandlerIsContained(t *testing.T) {
	e := NewEmitter()

	reached := false
	e.On("ping", func(any) { panic("boom") })
	e.On("ping", func(any) { reached = true })

	assert.NotPanics(t, func() { e.Emit("ping", nil) })
	assert.True(t, reached)
}

func TestEmitter_RemoveAll(t *testing.T) {
	e := NewEmitter()

	calls := 0
	e.On("ping", func(any) { calls++ })
	e.RemoveAll()
	e.Emit("ping", nil)

	assert.Zero(t, calls)
}
