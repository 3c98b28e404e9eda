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
	"crypto/tls"
	"net"
	"time"

	"github.com/hitherhost/hitherhost/proxy/internal/netw"
)

const (
	sessionIDKey     = "sid"
	startTimeKey     = "st"
	handshakeDoneKey = "hsd"
	dialDoneKey      = "dd"
	protoKey         = "proto"
	serverNameKey    = "sni"
	internalConnKey  = "ic"
)

func netwConn(c net.Conn) *netw.Conn {
	switch c := c.(type) {
	case *tls.Conn:
		return netwConn(c.NetConn())
	case *netw.Conn:
		return c
	default:
		panic(c)
	}
}

func connSessionID(c net.Conn) string {
	return netwConn(c).Annotation(sessionIDKey, "-").(string)
}

func connStartTime(c net.Conn) time.Time {
	return netwConn(c).Annotation(startTimeKey, time.Time{}).(time.Time)
}

func connHandshakeDone(c net.Conn) time.Time {
	return netwConn(c).Annotation(handshakeDoneKey, time.Time{}).(time.Time)
}

func connDialDone(c net.Conn) time.Time {
	return netwConn(c).Annotation(dialDoneKey, time.Time{}).(time.Time)
}

func connProto(c net.Conn) string {
	return netwConn(c).Annotation(protoKey, "").(string)
}

func connServerName(c net.Conn) string {
	return netwConn(c).Annotation(serverNameKey, "").(string)
}

func connIntConn(c net.Conn) net.Conn {
	if v, ok := netwConn(c).Annotation(internalConnKey, nil).(net.Conn); ok {
		return v
	}
	return nil
}

func setKeepAlive(conn net.Conn) {
	switch c := conn.(type) {
	case *tls.Conn:
		setKeepAlive(c.NetConn())
	case *net.TCPConn:
		c.SetKeepAlivePeriod(30 * time.Second)
		c.SetKeepAlive(true)
	case *netw.Conn:
		setKeepAlive(c.Conn)
	default:
	}
}

func unwrapErr(err error) error {
	if e, ok := err.(*net.OpError); ok {
		return unwrapErr(e.Err)
	}
	return err
}
