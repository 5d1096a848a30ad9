package pairchat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	t.Run("fires", func(t *testing.T) {
		var tm Timer
		var fired atomic.Int32
		tm.Arm(10*time.Millisecond, func() { fired.Add(1) })
		assert.True(t, tm.Armed())
		assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.False(t, tm.Armed())
	})

	t.Run("re-arm replaces", func(t *testing.T) {
		var tm Timer
		var first, second atomic.Int32
		tm.Arm(20*time.Millisecond, func() { first.Add(1) })
		tm.Arm(20*time.Millisecond, func() { second.Add(1) })
		assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(40 * time.Millisecond)
		assert.Equal(t, int32(0), first.Load())
	})

	t.Run("cancel", func(t *testing.T) {
		var tm Timer
		var fired atomic.Int32
		tm.Arm(10*time.Millisecond, func() { fired.Add(1) })
		assert.True(t, tm.Cancel())
		assert.False(t, tm.Cancel())
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})
}
