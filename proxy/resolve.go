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
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const defaultBackendPort = 80

// ErrNoAddress is returned when a backend name resolves to no address.
var ErrNoAddress = errors.New("no address")

// ResolverOptions control how ResolveBackend looks up host names.
type ResolverOptions struct {
	// DNSServer, e.g. 8.8.8.8:53, is queried directly instead of the
	// system resolver.
	DNSServer string
	// Resolver is the system resolver to use. Defaults to
	// net.DefaultResolver.
	Resolver *net.Resolver
}

// ResolveBackend resolves backend, e.g. example.com:8080, [::1]:8080, 10.0.0.1,
// or example.com, to a single TCP address. When the port is omitted, port 80
// is used. When a name has more than one address, the first one is used.
func ResolveBackend(ctx context.Context, backend string, opts ResolverOptions) (*net.TCPAddr, error) {
	host, port, err := splitBackend(backend)
	if err != nil {
		return nil, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip, port)), nil
	}
	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", host, err)
	}
	var ip netip.Addr
	if opts.DNSServer != "" {
		ip, err = lookupDNS(ctx, opts.DNSServer, name)
	} else {
		ip, err = lookupSystem(ctx, opts.Resolver, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip, port)), nil
}

func splitBackend(backend string) (string, uint16, error) {
	if backend == "" {
		return "", 0, errors.New("empty server address")
	}
	host, portStr, err := net.SplitHostPort(backend)
	if err != nil {
		// No port. A bare IPv6 address may be written with or without
		// brackets.
		if strings.HasPrefix(backend, "[") != strings.HasSuffix(backend, "]") {
			return "", 0, fmt.Errorf("%q: invalid server address", backend)
		}
		host = strings.TrimSuffix(strings.TrimPrefix(backend, "["), "]")
		if strings.ContainsAny(host, "[]") {
			return "", 0, fmt.Errorf("%q: invalid server address", backend)
		}
		return host, defaultBackendPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("%q: missing host", backend)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%q: invalid port", backend)
	}
	return host, uint16(port), nil
}

func lookupSystem(ctx context.Context, r *net.Resolver, name string) (netip.Addr, error) {
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return netip.Addr{}, fmt.Errorf("%w: %v", ErrNoAddress, err)
		}
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, ErrNoAddress
	}
	return addrs[0].Unmap(), nil
}

func lookupDNS(ctx context.Context, server, name string) (netip.Addr, error) {
	c := new(dns.Client)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true
		in, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			return netip.Addr{}, err
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return netip.Addr{}, ErrNoAddress
		default:
			return netip.Addr{}, fmt.Errorf("dns: %s", dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, ErrNoAddress
}
