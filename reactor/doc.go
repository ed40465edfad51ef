// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded event loop every evws server
// runs on: an epoll poller (Linux), an eventfd waker, a deferred callback
// FIFO that any goroutine may feed, and loop-thread timers.
//
// Only Defer and Stop are safe to call from arbitrary goroutines. Everything
// else must run on the loop thread, inside a callback delivered by the loop.
package reactor
