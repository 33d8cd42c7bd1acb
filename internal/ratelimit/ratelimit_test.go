package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowEnforcesLimit(t *testing.T) {
	w := NewWindow(3, time.Second)
	base := time.Now()

	assert.True(t, w.AllowAt(base))
	assert.True(t, w.AllowAt(base.Add(100*time.Millisecond)))
	assert.True(t, w.AllowAt(base.Add(200*time.Millisecond)))
	assert.False(t, w.AllowAt(base.Add(300*time.Millisecond)), "fourth event inside the window must be rejected")
}

func TestWindowSlides(t *testing.T) {
	w := NewWindow(2, time.Second)
	base := time.Now()

	assert.True(t, w.AllowAt(base))
	assert.True(t, w.AllowAt(base.Add(900*time.Millisecond)))
	assert.False(t, w.AllowAt(base.Add(950*time.Millisecond)))

	// The first hit ages out; the second is still inside the window.
	assert.True(t, w.AllowAt(base.Add(1100*time.Millisecond)))
	assert.False(t, w.AllowAt(base.Add(1200*time.Millisecond)))

	// Everything ages out.
	assert.True(t, w.AllowAt(base.Add(3*time.Second)))
}

func TestWindowRejectionDoesNotConsume(t *testing.T) {
	w := NewWindow(1, time.Second)
	base := time.Now()

	assert.True(t, w.AllowAt(base))
	for i := 0; i < 10; i++ {
		assert.False(t, w.AllowAt(base.Add(time.Duration(i)*10*time.Millisecond)))
	}

	// Rejected events left no trace; one slot frees up exactly when the
	// admitted hit expires.
	assert.True(t, w.AllowAt(base.Add(1001*time.Millisecond)))
}

func TestKeyedWindowsIsolatesKeys(t *testing.T) {
	kw := NewKeyedWindows(1, time.Minute)
	defer kw.Stop()

	assert.True(t, kw.Allow("sess-a:update"))
	assert.False(t, kw.Allow("sess-a:update"))

	// Other keys are unaffected.
	assert.True(t, kw.Allow("sess-a:awareness"))
	assert.True(t, kw.Allow("sess-b:update"))
}

func TestKeyedWindowsRemoveResetsKey(t *testing.T) {
	kw := NewKeyedWindows(1, time.Minute)
	defer kw.Stop()

	assert.True(t, kw.Allow("sess-a:update"))
	assert.False(t, kw.Allow("sess-a:update"))

	kw.Remove("sess-a:update")
	assert.True(t, kw.Allow("sess-a:update"), "a removed key starts with a fresh window")
}
