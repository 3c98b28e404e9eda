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

// Package certsource fetches the certificate material of the hither.host
// domain from its public origin.
//
// The origin publishes four PEM files: the private key, the full chain, the
// leaf certificate, and the intermediate chain. Fetch returns them verbatim.
package certsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultOrigin is where the certificate material is published.
const DefaultOrigin = "https://cert.for.hither.host/"

const (
	maxMaterialSize = 1 << 20
	defaultCacheTTL = 5 * time.Minute
)

// Kind is the name of one piece of certificate material.
type Kind string

const (
	// PrivKey is the PEM-encoded private key.
	PrivKey Kind = "privkey"
	// FullChain is the leaf certificate followed by the intermediates.
	FullChain Kind = "fullchain"
	// Cert is the leaf certificate alone.
	Cert Kind = "cert"
	// Chain is the intermediate chain without the leaf.
	Chain Kind = "chain"
)

var (
	// ErrUnknownKind is returned for names that are not a material kind.
	ErrUnknownKind = errors.New("unknown material kind")
	// ErrEmpty is returned when the origin serves an empty file.
	ErrEmpty = errors.New("empty material")
	// ErrTooLarge is returned when the origin serves more than 1 MiB.
	ErrTooLarge = errors.New("material too large")
)

// Kinds returns all the material kinds.
func Kinds() []Kind {
	return []Kind{PrivKey, FullChain, Cert, Chain}
}

// ParseKind returns the Kind with the given name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Supplier returns the PEM bytes of one kind of material.
type Supplier interface {
	Fetch(ctx context.Context, kind Kind) ([]byte, error)
}

// Options configure a Source.
type Options struct {
	// Origin is the base URL of the material. The default is DefaultOrigin.
	Origin string
	// Client is the HTTP client to use. A retryable client with default
	// settings is used when nil.
	Client *retryablehttp.Client
	// CacheTTL is how long fetched material is kept in memory. The default
	// is 5 minutes. A negative value disables the cache.
	CacheTTL time.Duration
}

// Source is a Supplier that downloads material from an HTTPS origin.
type Source struct {
	origin *url.URL
	client *retryablehttp.Client
	cache  *expirable.LRU[Kind, []byte]
}

var _ Supplier = (*Source)(nil)

// New returns a new Source.
func New(opts Options) (*Source, error) {
	origin := opts.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("origin: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	s := &Source{
		origin: u,
		client: opts.Client,
	}
	if s.client == nil {
		s.client = retryablehttp.NewClient()
		s.client.RetryMax = 3
		s.client.Logger = nil
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	if ttl > 0 {
		s.cache = expirable.NewLRU[Kind, []byte](len(Kinds()), nil, ttl)
	}
	return s, nil
}

// URL returns the location of the material of the given kind.
func (s *Source) URL(kind Kind) string {
	return s.origin.ResolveReference(&url.URL{Path: string(kind) + ".pem"}).String()
}

// Fetch returns the PEM bytes of the given kind, exactly as served by the
// origin.
func (s *Source) Fetch(ctx context.Context, kind Kind) ([]byte, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if b, ok := s.cache.Get(kind); ok {
			return clone(b), nil
		}
	}
	b, err := s.get(ctx, s.URL(kind))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	if s.cache != nil {
		s.cache.Add(kind, clone(b))
	}
	return b, nil
}

func (s *Source) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	b, err := io.ReadAll(&io.LimitedReader{R: resp.Body, N: maxMaterialSize + 1})
	if err != nil {
		return nil, err
	}
	if len(b) > maxMaterialSize {
		return nil, ErrTooLarge
	}
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	return b, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
