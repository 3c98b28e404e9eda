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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/hitherhost/hitherhost/certsource"
)

var (
	// ErrNoCertificate is returned when the certificate chain contains no
	// certificate.
	ErrNoCertificate = errors.New("no certificate")
	// ErrNoPrivateKey is returned when the key material contains no
	// private key.
	ErrNoPrivateKey = errors.New("no private key")
	// ErrKeyMismatch is returned when the private key doesn't match the
	// leaf certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")
)

// ALPNProtos returns the application protocols offered to clients, in order
// of preference.
func ALPNProtos() []string {
	return []string{"h2", "http/1.1", "http/1.0"}
}

// LoadTLSConfig fetches the full chain and the private key from s and
// returns the server TLS config.
func LoadTLSConfig(ctx context.Context, s certsource.Supplier) (*tls.Config, error) {
	chain, err := s.Fetch(ctx, certsource.FullChain)
	if err != nil {
		return nil, err
	}
	key, err := s.Fetch(ctx, certsource.PrivKey)
	if err != nil {
		return nil, err
	}
	return NewTLSConfig(chain, key)
}

// NewTLSConfig returns the server TLS config for the given PEM-encoded
// certificate chain (leaf first) and private key. Clients are never asked
// for a certificate.
func NewTLSConfig(chainPEM, keyPEM []byte) (*tls.Config, error) {
	var cert tls.Certificate
	for rest := chainPEM; ; {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if cert.Leaf == nil {
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("certificate: %w", err)
			}
			cert.Leaf = c
		} else if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("certificate #%d: %w", len(cert.Certificate), err)
		}
		cert.Certificate = append(cert.Certificate, block.Bytes)
	}
	if len(cert.Certificate) == 0 {
		return nil, ErrNoCertificate
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	if !publicKeyMatches(cert.Leaf.PublicKey, key) {
		return nil, ErrKeyMismatch
	}
	cert.PrivateKey = key

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   ALPNProtos(),
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	for rest := keyPEM; ; {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			return nil, ErrNoPrivateKey
		}
		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("private key: %w", err)
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("private key: unexpected type %T", key)
			}
			return signer, nil
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("private key: %w", err)
			}
			return key, nil
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("private key: %w", err)
			}
			return key, nil
		}
	}
}

func publicKeyMatches(pub crypto.PublicKey, key crypto.Signer) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return false
	}
	k, ok := key.Public().(equaler)
	return ok && k.Equal(pub)
}
