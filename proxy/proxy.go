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

// Package proxy implements a TLS-terminating proxy that forwards the
// decrypted byte stream of every connection to a single backend server.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"

	"github.com/hitherhost/hitherhost/proxy/internal/counter"
	"github.com/hitherhost/hitherhost/proxy/internal/netw"
)

// Proxy receives TLS connections and forwards them to the backend server.
type Proxy struct {
	cfg       *Config
	tlsConfig *tls.Config
	backend   *net.TCPAddr
	metrics   *metrics
	listen    func(network, laddr string) (net.Listener, error)

	bytesSent     *counter.Counter
	bytesReceived *counter.Counter

	mu         sync.Mutex
	connClosed *sync.Cond
	inConns    *connTracker
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	acceptErr  error
	stopped    bool
}

// New returns a new Proxy. tc is used as is for all the connections and must
// not be modified after Start is called. backend is the address of the
// backend server.
func New(cfg *Config, tc *tls.Config, backend *net.TCPAddr) (*Proxy, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if tc == nil || len(tc.Certificates) == 0 {
		return nil, ErrNoCertificate
	}
	if backend == nil {
		return nil, ErrNoAddress
	}
	p := &Proxy{
		cfg:           cfg,
		tlsConfig:     tc,
		backend:       backend,
		metrics:       newMetrics(),
		listen:        netw.Listen,
		bytesSent:     counter.New(time.Minute, time.Second),
		bytesReceived: counter.New(time.Minute, time.Second),
		inConns:       newConnTracker(),
		done:          make(chan struct{}),
	}
	p.connClosed = sync.NewCond(&p.mu)
	p.metrics.registerRates(p.bytesReceived, p.bytesSent)
	return p, nil
}

// Start binds the listening port and starts accepting connections. It
// returns as soon as the port is bound.
func (p *Proxy) Start(ctx context.Context) error {
	listener, err := p.listen("tcp", p.cfg.ListenAddr())
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = listener
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.ctxWait()
	go p.acceptLoop()
	return nil
}

func (p *Proxy) ctxWait() {
	select {
	case <-p.ctx.Done():
		p.Stop()
	case <-p.done:
	}
}

// Addr returns the address where the proxy is listening, or nil if it isn't
// started.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Done returns a channel that is closed when the proxy stops accepting
// connections.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the accept loop. It is nil when the
// proxy was stopped with Stop, Shutdown, or by canceling the context passed
// to Start.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptErr
}

func (p *Proxy) acceptLoop() {
	defer close(p.done)
	log.Printf("INF Accepting TLS connections on %s %s", p.listener.Addr().Network(), p.listener.Addr())
	var bo backoff
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Print("INF TLS Accept loop terminated")
				return
			}
			class, transient := classifyAcceptError(err)
			p.metrics.acceptErrors.WithLabelValues(class).Inc()
			if !transient || p.cfg.AcceptErrors == AcceptErrorsStrict {
				log.Printf("ERR TLS Accept: %v", err)
				p.mu.Lock()
				p.acceptErr = err
				p.mu.Unlock()
				p.listener.Close()
				return
			}
			d := bo.next()
			p.logErrorF("ERR TLS Accept: %v (retry in %s)", err, d)
			select {
			case <-p.ctx.Done():
			case <-time.After(d):
			}
			continue
		}
		bo.reset()
		go p.handleConnection(conn.(*netw.Conn))
	}
}

// Stop closes all connections and stops all goroutines.
func (p *Proxy) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	conns := p.inConns.slice()
	p.connClosed.Broadcast()
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Shutdown gracefully shuts down the proxy, waiting for all existing
// connections to close or ctx to be canceled.
func (p *Proxy) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for p.inConns.len() > 0 && !p.stopped {
			p.connClosed.Wait()
		}
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	p.Stop()
	<-done
}

func (p *Proxy) acceptProxyHeader(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, n := range p.cfg.acceptProxyHeaderFrom {
		if n.Contains(tcpAddr.IP) {
			return true
		}
	}
	return false
}

func (p *Proxy) handleConnection(conn *netw.Conn) {
	sid := uuid.NewString()
	conn.SetAnnotation(sessionIDKey, sid)
	conn.SetAnnotation(startTimeKey, time.Now())
	p.metrics.sessions.Inc()
	defer func() {
		if r := recover(); r != nil {
			p.recordEvent("panic")
			p.metrics.sessionErrors.WithLabelValues("panic").Inc()
			p.logErrorF("ERR [%s] %s: PANIC: %v", sid, conn.RemoteAddr(), r)
		}
		conn.Close()
	}()

	p.mu.Lock()
	stopped := p.stopped
	if !stopped {
		p.inConns.add(conn)
	}
	p.mu.Unlock()
	if stopped {
		return
	}
	p.metrics.sessionsOpen.Inc()
	conn.OnClose(func() {
		p.metrics.sessionsOpen.Dec()
		p.metrics.sessionDuration.Observe(time.Since(connStartTime(conn)).Seconds())
		p.mu.Lock()
		p.inConns.remove(conn)
		p.connClosed.Broadcast()
		p.mu.Unlock()
	})
	conn.SetCounters(p.bytesSent, p.bytesReceived)
	setKeepAlive(conn)

	if p.acceptProxyHeader(conn.RemoteAddr()) {
		conn.Conn = proxyproto.NewConn(conn.Conn)
	}

	p.handleTLSConnection(tls.Server(conn, p.tlsConfig))
}

func (p *Proxy) handleTLSConnection(extConn *tls.Conn) {
	if !p.handshake(extConn) {
		return
	}
	conn := netwConn(extConn)
	sid := connSessionID(extConn)

	intConn, err := p.dial(extConn)
	if err != nil {
		p.recordEvent("dial error")
		p.metrics.sessionErrors.WithLabelValues("dial").Inc()
		p.logErrorF("ERR [%s] %s ➔  %s Dial: %v", sid, extConn.RemoteAddr(), p.backend, unwrapErr(err))
		return
	}
	defer intConn.Close()
	conn.SetAnnotation(internalConnKey, intConn)
	conn.SetAnnotation(dialDoneKey, time.Now())

	desc := formatConnDesc(extConn)
	p.logConnF("CON %s", desc)

	if err := p.bridgeConns(extConn, intConn); err != nil {
		if isTimeout(err) {
			p.recordEvent("timeout")
		}
		p.metrics.sessionErrors.WithLabelValues("relay").Inc()
		p.logErrorF("DBG %s %v", desc, err)
	}

	startTime := connStartTime(extConn)
	hsTime := connHandshakeDone(extConn)
	dialTime := connDialDone(extConn)
	totalTime := time.Since(startTime).Truncate(time.Millisecond)

	p.logConnF("END %s; HS:%s Dial:%s Dur:%s Recv:%d Sent:%d", desc,
		hsTime.Sub(startTime).Truncate(time.Millisecond),
		dialTime.Sub(hsTime).Truncate(time.Millisecond), totalTime,
		conn.BytesReceived(), conn.BytesSent())
}

func (p *Proxy) handshake(conn *tls.Conn) bool {
	ctx := p.ctx
	if t := p.cfg.HandshakeTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		p.recordEvent("tls handshake failed")
		p.metrics.sessionErrors.WithLabelValues("handshake").Inc()
		p.logErrorF("BAD [%s] %s: %v", connSessionID(conn), conn.RemoteAddr(), unwrapErr(err))
		return false
	}
	cs := conn.ConnectionState()
	nc := netwConn(conn)
	nc.SetAnnotation(handshakeDoneKey, time.Now())
	nc.SetAnnotation(protoKey, cs.NegotiatedProtocol)
	nc.SetAnnotation(serverNameKey, cs.ServerName)
	return true
}

// dial connects to the backend server, and sends the PROXY protocol header
// when it is enabled.
func (p *Proxy) dial(extConn net.Conn) (*netw.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   p.cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	c, err := dialer.DialContext(p.ctx, "tcp", p.backend.String())
	if err != nil {
		return nil, err
	}
	var version byte
	switch p.cfg.ProxyProtocolVersion {
	case "v1":
		version = 1
	case "v2":
		version = 2
	}
	if version > 0 {
		header := proxyproto.HeaderProxyFromAddrs(version, extConn.RemoteAddr(), extConn.LocalAddr())
		if _, err := header.WriteTo(c); err != nil {
			c.Close()
			return nil, err
		}
	}
	// The backend side carries the plaintext payload only.
	intConn := netw.NewConn(c)
	intConn.OnClose(func() {
		p.metrics.bytes.WithLabelValues("received").Add(float64(intConn.BytesSent()))
		p.metrics.bytes.WithLabelValues("sent").Add(float64(intConn.BytesReceived()))
	})
	return intConn, nil
}

func formatConnDesc(c net.Conn) string {
	var buf bytes.Buffer
	buf.WriteString("[" + connSessionID(c) + "] ")
	buf.WriteString(c.RemoteAddr().Network() + ":" + c.RemoteAddr().String())
	if serverName := connServerName(c); serverName != "" {
		buf.WriteString(" ➔ ")
		buf.WriteString(serverName)
	}
	if proto := connProto(c); proto != "" {
		buf.WriteString("|" + proto)
	}
	if intConn := connIntConn(c); intConn != nil {
		buf.WriteString("|" + intConn.LocalAddr().Network() + ":" + intConn.LocalAddr().String())
		buf.WriteString(" ➔ ")
		buf.WriteString(intConn.RemoteAddr().Network() + ":" + intConn.RemoteAddr().String())
	}
	return buf.String()
}
