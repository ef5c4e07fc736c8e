package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenUnlistenYieldsUnknownMessageType(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.ListenOn("echo", func(payload any) MessageResult {
		called = true
		return MessageResult{Data: payload}
	})
	d.UnlistenOn("echo")

	_, ok := d.Dispatch("echo", 1)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestListenOnceFiresExactlyOnce(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.ListenOnce("echo", func(payload any) MessageResult {
		calls++
		return MessageResult{Data: payload}
	})

	res, ok := d.Dispatch("echo", "x")
	assert.True(t, ok)
	assert.Equal(t, "x", res.Data)

	_, ok = d.Dispatch("echo", "y")
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestListenOncePrecedesPersistentHandler(t *testing.T) {
	d := NewDispatcher()
	var winner string
	d.ListenOn("t", func(payload any) MessageResult {
		winner = "persistent"
		return MessageResult{}
	})
	d.ListenOnce("t", func(payload any) MessageResult {
		winner = "once"
		return MessageResult{}
	})

	_, _ = d.Dispatch("t", nil)
	assert.Equal(t, "once", winner)

	_, _ = d.Dispatch("t", nil)
	assert.Equal(t, "persistent", winner)
}

func TestBusDeliversFIFOPerListener(t *testing.T) {
	b := New()
	var order []int
	b.Listen("evt", func(payload any) { order = append(order, 1) })
	b.Listen("evt", func(payload any) { order = append(order, 2) })

	b.Emit("evt", nil)
	assert.Equal(t, []int{1, 2}, order)
}

func TestBusEmitRecoversPanickingHandler(t *testing.T) {
	b := New()
	after := false
	b.Listen("evt", func(payload any) { panic("boom") })
	b.Listen("evt", func(payload any) { after = true })

	assert.NotPanics(t, func() { b.Emit("evt", nil) })
	assert.True(t, after)
}
