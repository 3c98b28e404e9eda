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

package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/hitherhost/hitherhost/proxy/internal/netw"
)

// bridgeConns copies data in both directions between client and server until
// both streams are closed. A stream that ends is half-closed on the other
// side, and the opposite stream keeps flowing.
func (p *Proxy) bridgeConns(client, server net.Conn) error {
	if t := p.cfg.IdleTimeout; t > 0 {
		timer := netw.NewIdleTimer(t, netwConn(client), netwConn(server))
		netwConn(client).SetIdleTimer(timer)
		netwConn(server).SetIdleTimer(timer)
	}
	ch := make(chan error)
	go func() {
		ch <- forward(client, server, p.cfg.ServerCloseEndsConnection, p.cfg.HalfCloseTimeout)
	}()
	var retErr error
	if err := forward(server, client, p.cfg.ClientCloseEndsConnection, p.cfg.HalfCloseTimeout); !isNormalEnd(err) {
		retErr = multierr.Append(retErr, fmt.Errorf("[ext➔ int]: %w", unwrapErr(err)))
	}
	if err := <-ch; !isNormalEnd(err) {
		retErr = multierr.Append(retErr, fmt.Errorf("[int➔ ext]: %w", unwrapErr(err)))
	}
	return retErr
}

// forward copies in to out. When in reaches EOF, the write side of out and
// the read side of in are closed. With closeWhenDone, both connections are
// closed instead.
func forward(out net.Conn, in net.Conn, closeWhenDone bool, halfClosedTimeout time.Duration) error {
	if _, err := io.Copy(out, in); err != nil || closeWhenDone {
		out.Close()
		in.Close()
		return err
	}
	if err := closeWrite(out); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	if err := closeRead(in); err != nil {
		out.Close()
		in.Close()
		return nil
	}
	// At this point, the connection is either half closed, or fully closed.
	// If it is half closed, the remote end will get an EOF on the next
	// read. It can still send data back in the other direction, possibly
	// forever, unless halfClosedTimeout is set.
	if halfClosedTimeout > 0 {
		out.SetReadDeadline(time.Now().Add(halfClosedTimeout))
	}
	return nil
}

func closeWrite(c net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cc, ok := c.(closeWriter); ok {
		return cc.CloseWrite()
	}
	return fmt.Errorf("unexpected type: %T", c)
}

func closeRead(c net.Conn) error {
	type closeReader interface {
		CloseRead() error
	}
	if cc, ok := c.(closeReader); ok {
		return cc.CloseRead()
	}
	return nil
}

func isNormalEnd(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// isTimeout reports whether err is a deadline error, i.e. the idle or
// half-close timer fired.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
