package smtp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter_MaxConns(t *testing.T) {
	l := NewConnectionLimiter(2, 0)

	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
	assert.Equal(t, 2, l.Current())

	l.Release()
	assert.True(t, l.Acquire())

	l.Release()
	l.Release()
	l.Release()
	assert.Equal(t, 0, l.Current())
}

func TestConnectionLimiter_Rate(t *testing.T) {
	l := NewConnectionLimiter(0, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Acquire())
	}
	assert.False(t, l.Acquire())
}

func TestConnectionLimiter_Concurrent(t *testing.T) {
	l := NewConnectionLimiter(50, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, granted)
	assert.Equal(t, 50, l.Current())
}
