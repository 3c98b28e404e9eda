// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@thellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package counter implements a monotonic counter that remembers recent
// history so that rates can be computed.
package counter

import (
	"sync"
	"time"
)

var timeNow = time.Now

// Counter counts events, e.g. bytes, and records the running total at the end
// of each time slot. A nil *Counter is valid and counts nothing.
type Counter struct {
	rez time.Duration

	mu      sync.Mutex
	total   int64
	start   time.Time
	history []int64
	last    int64
}

// New returns a new Counter that can report rates over periods of up to
// maxPeriod, with the given resolution.
func New(maxPeriod, resolution time.Duration) *Counter {
	n := int(maxPeriod / resolution)
	if n <= 0 || n > 1000 {
		panic("counter: invalid period or resolution")
	}
	return &Counter{
		rez:     resolution,
		start:   timeNow().Truncate(resolution),
		history: make([]int64, n+1),
	}
}

// Incr adds delta to the counter and returns the new total.
func (c *Counter) Incr(delta int64) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll()
	c.total += delta
	return c.total
}

// Value returns the current total.
func (c *Counter) Value() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Rate returns the average increase per second over the last period.
func (c *Counter) Rate(period time.Duration) float64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll()
	slots := int64(period / c.rez)
	slots = min(slots, c.last, int64(len(c.history)-1))
	if slots <= 0 {
		return 0
	}
	then := c.history[(c.last-slots)%int64(len(c.history))]
	return float64(c.total-then) / (time.Duration(slots) * c.rez).Seconds()
}

// roll records the total in every slot that ended since the last call.
func (c *Counter) roll() {
	now := int64(timeNow().Sub(c.start) / c.rez)
	if now <= c.last {
		return
	}
	size := int64(len(c.history))
	from := max(c.last+1, now-size+1)
	for i := from; i <= now; i++ {
		c.history[i%size] = c.total
	}
	c.last = now
}
