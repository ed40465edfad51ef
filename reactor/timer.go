// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>
//
// Loop-thread timers kept in a min-heap ordered by deadline.

package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot or periodic callback owned by a Loop.
type Timer struct {
	loop   *Loop
	when   time.Time
	period time.Duration
	fn     func()
	index  int // -1 when not scheduled
}

// AfterFunc runs fn once on the loop thread after d. Loop thread only.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, when: time.Now().Add(d), fn: fn, index: -1}
	heap.Push(&l.timers, t)
	return t
}

// Every runs fn on the loop thread each period. Loop thread only.
func (l *Loop) Every(period time.Duration, fn func()) *Timer {
	if period <= 0 {
		period = time.Millisecond
	}
	t := &Timer{loop: l, when: time.Now().Add(period), period: period, fn: fn, index: -1}
	heap.Push(&l.timers, t)
	return t
}

// Stop cancels the timer. It reports whether the timer was still scheduled.
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

// nextTimeout returns the poll timeout in milliseconds until the earliest timer.
func (l *Loop) nextTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	return ms
}

func (l *Loop) fireTimers(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		if t.period > 0 {
			t.when = t.when.Add(t.period)
			if t.when.Before(now) {
				t.when = now.Add(t.period)
			}
			heap.Push(&l.timers, t)
		}
		t.fn()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
