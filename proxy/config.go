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
	"net"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// AcceptErrorsTolerant keeps accepting connections after transient
	// accept errors, e.g. when the process runs out of file descriptors.
	AcceptErrorsTolerant = "tolerant"
	// AcceptErrorsStrict stops accepting connections after any accept
	// error.
	AcceptErrorsStrict = "strict"

	// DefaultHostName is the name under which the backend is exposed.
	DefaultHostName = "hither.host"
)

// Config is the proxy configuration. ServerAddr and Port are required. All
// the other fields are optional and can be set in a YAML file.
type Config struct {
	// ServerAddr is the address of the backend server, e.g. localhost:8080.
	// When the port is omitted, port 80 is used.
	ServerAddr string `yaml:"serverAddr,omitempty"`
	// Port is the TCP port where the proxy receives TLS connections. It
	// listens on all network interfaces. Port 0 picks a free port.
	Port int `yaml:"port,omitempty"`
	// HostName is the name covered by the certificate. It is only used in
	// log messages. The default is hither.host.
	HostName string `yaml:"hostName,omitempty"`

	// LogFilter specifies what gets logged.
	LogFilter LogFilter `yaml:"logFilter,omitempty"`

	// AcceptErrors is either "tolerant" (the default) or "strict". In
	// tolerant mode, transient accept errors are logged and the proxy
	// keeps accepting connections. In strict mode, any accept error stops
	// the proxy.
	AcceptErrors string `yaml:"acceptErrors,omitempty"`

	// HandshakeTimeout is the maximum amount of time to wait for a client
	// to complete the TLS handshake. The default is no timeout.
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty"`
	// DialTimeout is the connection timeout to the backend server. The
	// default is no timeout.
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	// IdleTimeout closes connections that have not transmitted any data in
	// either direction for this amount of time. The default is no
	// timeout.
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty"`

	// TCP connections consist of two streams of data:
	//
	//    CLIENT --> SERVER
	//    CLIENT <-- SERVER
	//
	// When one stream is closed, the other one can remain open and
	// continue to transmit data. By default, the proxy forwards the
	// half-close to the other side and keeps the connection open until
	// both streams are closed.

	// ServerCloseEndsConnection indicates that the proxy will close the
	// whole connection when the server closes its end of it. The default
	// value is false.
	ServerCloseEndsConnection bool `yaml:"serverCloseEndsConnection,omitempty"`
	// ClientCloseEndsConnection indicates that the proxy will close the
	// whole connection when the client closes its end of it. The default
	// value is false.
	ClientCloseEndsConnection bool `yaml:"clientCloseEndsConnection,omitempty"`
	// HalfCloseTimeout is the amount of time to keep the connection open
	// when one stream is closed. The default is no timeout.
	HalfCloseTimeout time.Duration `yaml:"halfCloseTimeout,omitempty"`

	// AcceptProxyHeaderFrom is a list of CIDRs. The PROXY protocol is
	// enabled for incoming connections coming from these networks, e.g.
	// when the proxy runs behind a load balancer.
	// https://www.haproxy.org/download/2.3/doc/proxy-protocol.txt
	AcceptProxyHeaderFrom []string `yaml:"acceptProxyHeaderFrom,omitempty"`
	// ProxyProtocolVersion enables the PROXY protocol on connections to the
	// backend server. The value is the version: v1 or v2. It is off by
	// default.
	ProxyProtocolVersion string `yaml:"proxyProtocolVersion,omitempty"`

	// DNSServer is the address of a DNS server, e.g. 8.8.8.8:53, to use to
	// resolve ServerAddr instead of the system resolver.
	DNSServer string `yaml:"dnsServer,omitempty"`

	// OCSPStapling enables OCSP stapling. The OCSP response is fetched once
	// at startup.
	OCSPStapling bool `yaml:"ocspStapling,omitempty"`

	acceptProxyHeaderFrom []*net.IPNet
}

// LogFilter specifies what gets logged. Everything is logged by default.
type LogFilter struct {
	Connections *bool `yaml:"connections,omitempty"`
	Errors      *bool `yaml:"errors,omitempty"`
}

// ReadConfig reads and parses a YAML config file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &cfg, nil
}

// ListenAddr returns the wildcard address where the proxy listens.
func (cfg *Config) ListenAddr() string {
	return net.JoinHostPort("::", strconv.Itoa(cfg.Port))
}

// Check checks that the Config is valid, and sets default values.
func (cfg *Config) Check() error {
	if cfg.ServerAddr == "" {
		return errors.New("ServerAddr must be set")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("Port: invalid value %d", cfg.Port)
	}
	if cfg.HostName == "" {
		cfg.HostName = DefaultHostName
	}
	switch cfg.AcceptErrors {
	case "":
		cfg.AcceptErrors = AcceptErrorsTolerant
	case AcceptErrorsTolerant, AcceptErrorsStrict:
	default:
		return fmt.Errorf("AcceptErrors: invalid value %q", cfg.AcceptErrors)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"HandshakeTimeout", cfg.HandshakeTimeout},
		{"DialTimeout", cfg.DialTimeout},
		{"IdleTimeout", cfg.IdleTimeout},
		{"HalfCloseTimeout", cfg.HalfCloseTimeout},
	} {
		if d.v < 0 {
			return fmt.Errorf("%s: must not be negative", d.name)
		}
	}
	switch cfg.ProxyProtocolVersion {
	case "", "v1", "v2":
	default:
		return fmt.Errorf("ProxyProtocolVersion: invalid value %q", cfg.ProxyProtocolVersion)
	}
	cfg.acceptProxyHeaderFrom = nil
	for i, n := range cfg.AcceptProxyHeaderFrom {
		_, ipnet, err := net.ParseCIDR(n)
		if err != nil {
			return fmt.Errorf("AcceptProxyHeaderFrom[%d]: %w", i, err)
		}
		cfg.acceptProxyHeaderFrom = append(cfg.acceptProxyHeaderFrom, ipnet)
	}
	if cfg.DNSServer != "" {
		if _, _, err := net.SplitHostPort(cfg.DNSServer); err != nil {
			return fmt.Errorf("DNSServer: %w", err)
		}
	}
	return nil
}
