//go:build linux

package reactor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/momentics/evws/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func runLoop(t *testing.T, l *reactor.Loop) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestDeferIsFIFOAcrossGoroutines(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Defer(func() { got = append(got, i) }))
	}
	l.Stop()
	waitDone(t, runLoop(t, l))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDeferFromDeferredRunsLater(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	defer l.Close()

	var order []string
	l.Defer(func() {
		order = append(order, "outer")
		l.Defer(func() {
			order = append(order, "nested")
			l.Stop()
		})
	})
	l.Defer(func() { order = append(order, "second") })
	waitDone(t, runLoop(t, l))

	assert.Equal(t, []string{"outer", "second", "nested"}, order)
}

func TestConcurrentDefer(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	defer l.Close()
	done := runLoop(t, l)

	var wg sync.WaitGroup
	counter := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				l.Defer(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	result := make(chan int, 1)
	l.Defer(func() { result <- counter })
	assert.Equal(t, 8*500, <-result)
	l.Stop()
	waitDone(t, done)
}

func TestTimers(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	defer l.Close()

	ticks := 0
	fired := false
	l.Defer(func() {
		var every *reactor.Timer
		every = l.Every(5*time.Millisecond, func() {
			ticks++
			if ticks == 3 {
				every.Stop()
			}
		})
		cancelled := l.AfterFunc(10*time.Millisecond, func() { t.Error("cancelled timer fired") })
		assert.True(t, cancelled.Stop())
		assert.False(t, cancelled.Stop())
		l.AfterFunc(40*time.Millisecond, func() {
			fired = true
			l.Stop()
		})
	})
	waitDone(t, runLoop(t, l))

	assert.True(t, fired)
	assert.Equal(t, 3, ticks)
}

func TestRegisterReadiness(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	defer l.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got []byte
	require.NoError(t, l.Register(fds[0], reactor.EventRead, func(fd int, ev reactor.Events) {
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		got = append(got, buf[:n]...)
		_ = l.Unregister(fd)
		l.Stop()
	}))
	_, err = unix.Write(fds[1], []byte("ready"))
	require.NoError(t, err)
	waitDone(t, runLoop(t, l))

	assert.Equal(t, "ready", string(got))
}

func TestRunAgainAfterStop(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 2; i++ {
		ran := false
		l.Defer(func() { ran = true })
		l.Stop()
		waitDone(t, runLoop(t, l))
		assert.True(t, ran)
	}
}

func TestDeferAfterClose(t *testing.T) {
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.False(t, l.Defer(func() {}))
}
