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

// Package netw is a wrapper around network connections that stores annotations
// and records metrics.
package netw

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitherhost/hitherhost/proxy/internal/counter"
)

// Listen creates a net listener that is instrumented to store per connection
// annotations and metrics.
func Listen(network, laddr string) (net.Listener, error) {
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return NewListener(l), nil
}

// NewListener wraps an existing listener. Accept returns *Conn values.
func NewListener(l net.Listener) net.Listener {
	return listener{l}
}

type listener struct {
	net.Listener
}

// Accept returns the next connection to the listener.
func (l listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		Conn:          c,
		bytesSent:     newCounter(),
		bytesReceived: newCounter(),
	}
}

// Conn is a wrapper around net.Conn that stores annotations and metrics.
type Conn struct {
	net.Conn

	bytesSent     *counter.Counter
	bytesReceived *counter.Counter
	upSent        *counter.Counter
	upReceived    *counter.Counter
	idle          *IdleTimer

	mu          sync.Mutex
	onClose     func()
	closed      bool
	annotations map[string]any
}

// SetAnnotation sets an annotation. The value can be any go value.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// Annotation retrieves an annotation that was previously set on the connection.
// The defaultValue is returned if the annotation was never set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}

// SetCounters sets aggregate counters that are incremented along with the
// connection's own counters. It must be called before the first Read() or
// Write().
func (c *Conn) SetCounters(sent, received *counter.Counter) {
	c.upSent = sent
	c.upReceived = received
}

// SetIdleTimer attaches an idle timer that is reset by every successful Read()
// or Write(). It must be called before the first Read() or Write().
func (c *Conn) SetIdleTimer(t *IdleTimer) {
	c.idle = t
}

// BytesSent returns the number of bytes sent on this connection so far.
func (c *Conn) BytesSent() int64 {
	return c.bytesSent.Value()
}

// BytesReceived returns the number of bytes received on this connection so far.
func (c *Conn) BytesReceived() int64 {
	return c.bytesReceived.Value()
}

// ByteRateSent returns the rate of bytes sent on this connection in the last
// minute.
func (c *Conn) ByteRateSent() float64 {
	return c.bytesSent.Rate(time.Minute)
}

// ByteRateReceived returns the rate of bytes received on this connection in the
// last minute.
func (c *Conn) ByteRateReceived() float64 {
	return c.bytesReceived.Rate(time.Minute)
}

// OnClose sets a callback function that will be called when the connection
// is closed.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Incr(int64(n))
		c.upReceived.Incr(int64(n))
		c.idle.Touch()
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Incr(int64(n))
		c.upSent.Incr(int64(n))
		c.idle.Touch()
	}
	return n, err
}

// CloseWrite shuts down the writing side of the underlying connection, if it
// supports it.
func (c *Conn) CloseWrite() error {
	if cc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cc.CloseWrite()
	}
	return nil
}

// CloseRead shuts down the reading side of the underlying connection, if it
// supports it.
func (c *Conn) CloseRead() error {
	if cc, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cc.CloseRead()
	}
	return nil
}

// Close closes the connection. The OnClose callback runs only once.
func (c *Conn) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.onClose = nil
	c.closed = true
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return c.Conn.Close()
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IdleTimer pushes back the deadlines of a group of connections every time
// there is activity on any of them. A nil *IdleTimer does nothing.
type IdleTimer struct {
	timeout  time.Duration
	throttle int64
	conns    []net.Conn
	last     atomic.Int64
}

// NewIdleTimer returns an IdleTimer for conns, and sets their initial
// deadline.
func NewIdleTimer(timeout time.Duration, conns ...net.Conn) *IdleTimer {
	t := &IdleTimer{
		timeout:  timeout,
		throttle: int64(min(time.Second, timeout/4)),
		conns:    conns,
	}
	t.reset(time.Now())
	return t
}

// Touch records activity.
func (t *IdleTimer) Touch() {
	if t == nil {
		return
	}
	now := time.Now()
	if last := t.last.Load(); now.UnixNano()-last < t.throttle {
		return
	}
	t.reset(now)
}

func (t *IdleTimer) reset(now time.Time) {
	t.last.Store(now.UnixNano())
	deadline := now.Add(t.timeout)
	for _, c := range t.conns {
		c.SetDeadline(deadline)
	}
}

func newCounter() *counter.Counter {
	return counter.New(time.Minute, time.Second)
}
