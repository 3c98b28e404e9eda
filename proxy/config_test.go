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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestReadConfig(t *testing.T) {
	got, err := ReadConfig("../examples/example-config.yaml")
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	got.ServerAddr = "localhost:8080"
	got.Port = 8443
	if err := got.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	want := &Config{
		ServerAddr: "localhost:8080",
		Port:       8443,
		HostName:   "hither.host",
		LogFilter: LogFilter{
			Connections: newPtr(true),
			Errors:      newPtr(true),
		},
		AcceptErrors:          AcceptErrorsTolerant,
		HandshakeTimeout:      30 * time.Second,
		DialTimeout:           10 * time.Second,
		IdleTimeout:           time.Hour,
		HalfCloseTimeout:      time.Minute,
		AcceptProxyHeaderFrom: []string{"10.0.0.0/8", "fd00::/8"},
		ProxyProtocolVersion:  "v2",
		DNSServer:             "8.8.8.8:53",
		OCSPStapling:          true,
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("ReadConfig() = %#v, want %#v", got, want)
		for _, d := range diff {
			t.Logf("  %s", d)
		}
	}
	if got, want := len(got.acceptProxyHeaderFrom), 2; got != want {
		t.Errorf("len(acceptProxyHeaderFrom) = %d, want %d", got, want)
	}
	if got, want := got.ListenAddr(), "[::]:8443"; got != want {
		t.Errorf("ListenAddr() = %q, want %q", got, want)
	}
}

func TestReadConfigUnknownField(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(fn, []byte("maxOpen: 100\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadConfig(fn); err == nil {
		t.Error("ReadConfig() succeeded with an unknown field")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{ServerAddr: "localhost:8080"}
	if err := cfg.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	want := &Config{
		ServerAddr:   "localhost:8080",
		HostName:     DefaultHostName,
		AcceptErrors: AcceptErrorsTolerant,
	}
	if diff := deep.Equal(want, cfg); diff != nil {
		t.Errorf("Check() = %#v, want %#v", cfg, want)
		for _, d := range diff {
			t.Logf("  %s", d)
		}
	}
}

func TestConfigCheckErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"no server", Config{}},
		{"bad port", Config{ServerAddr: "x", Port: 70000}},
		{"negative port", Config{ServerAddr: "x", Port: -1}},
		{"accept errors", Config{ServerAddr: "x", AcceptErrors: "lenient"}},
		{"negative timeout", Config{ServerAddr: "x", IdleTimeout: -time.Second}},
		{"proxy protocol", Config{ServerAddr: "x", ProxyProtocolVersion: "v3"}},
		{"cidr", Config{ServerAddr: "x", AcceptProxyHeaderFrom: []string{"10.0.0.1"}}},
		{"dns server", Config{ServerAddr: "x", DNSServer: "8.8.8.8"}},
	} {
		if err := tc.cfg.Check(); err == nil {
			t.Errorf("[%s] Check() succeeded unexpectedly", tc.name)
		}
	}
}

func TestShouldLog(t *testing.T) {
	for _, tc := range []struct {
		filter LogFilter
		typ    logType
		want   bool
	}{
		{LogFilter{}, logConnection, true},
		{LogFilter{}, logError, true},
		{LogFilter{Connections: newPtr(false)}, logConnection, false},
		{LogFilter{Connections: newPtr(false)}, logError, true},
		{LogFilter{Errors: newPtr(false)}, logError, false},
	} {
		if got := shouldLog(tc.typ, tc.filter); got != tc.want {
			t.Errorf("shouldLog(%v, %+v) = %v, want %v", tc.typ, tc.filter, got, tc.want)
		}
	}
}

func newPtr[T any](v T) *T {
	return &v
}
