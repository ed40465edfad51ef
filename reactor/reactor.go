// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral poller contract used by Loop.

package reactor

// Events is a readiness bit set reported for a file descriptor.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
)

// Has reports whether all bits of x are set in e.
func (e Events) Has(x Events) bool { return e&x == x }

// Callback receives readiness notifications for one fd on the loop thread.
type Callback func(fd int, ev Events)

// poller is the OS readiness multiplexer behind a Loop.
type poller interface {
	add(fd int, ev Events) error
	mod(fd int, ev Events) error
	del(fd int) error
	// wait blocks up to timeoutMs (-1 = forever) and calls fn per ready fd.
	wait(timeoutMs int, fn func(fd int, ev Events)) error
	// wake interrupts wait from any goroutine.
	wake() error
	close() error
}
