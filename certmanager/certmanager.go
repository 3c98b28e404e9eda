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

// Package certmanager implements an ephemeral certificate authority that
// produces the same four pieces of material as the hither.host certificate
// origin: private key, full chain, leaf certificate, and intermediate chain.
//
// It exists for testing. The certificates it issues are signed by a
// self-signed root that is not and should not be trusted for securing any
// real life communication.
package certmanager

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/hitherhost/hitherhost/certsource"
)

// CertManager is an X509 certificate authority for testing purposes. It has a
// root and one intermediate, and issues leaf certificates signed by the
// intermediate.
type CertManager struct {
	name      string
	rootCert  *x509.Certificate
	intKey    crypto.Signer
	intCert   *x509.Certificate
	rootPEM   []byte
	intPEM    []byte
	pool      *x509.CertPool
	logger    func(string, ...interface{})
	validity  time.Duration
	timeNow   func() time.Time
	materials map[string]*Material

	mu sync.Mutex
}

// Material is the certificate material of one server name, PEM-encoded.
type Material struct {
	PrivKey   []byte
	FullChain []byte
	Cert      []byte
	Chain     []byte

	Leaf *x509.Certificate
}

// Bytes returns the material of the given kind.
func (m *Material) Bytes(kind certsource.Kind) ([]byte, error) {
	switch kind {
	case certsource.PrivKey:
		return m.PrivKey, nil
	case certsource.FullChain:
		return m.FullChain, nil
	case certsource.Cert:
		return m.Cert, nil
	case certsource.Chain:
		return m.Chain, nil
	}
	return nil, fmt.Errorf("%w: %q", certsource.ErrUnknownKind, kind)
}

// New returns a new ephemeral certificate authority.
func New(name string, logger func(string, ...interface{})) (*CertManager, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	now := time.Now()
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	rootTempl := &x509.Certificate{
		SerialNumber:          serialNumber(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootCert, err := createCert(rootTempl, rootTempl, rootKey.Public(), rootKey)
	if err != nil {
		return nil, err
	}
	intKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	intTempl := &x509.Certificate{
		SerialNumber:          serialNumber(),
		Subject:               pkix.Name{CommonName: "intermediate." + name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	intCert, err := createCert(intTempl, rootCert, intKey.Public(), rootKey)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &CertManager{
		name:      name,
		rootCert:  rootCert,
		intKey:    intKey,
		intCert:   intCert,
		rootPEM:   certPEM(rootCert),
		intPEM:    certPEM(intCert),
		pool:      pool,
		logger:    logger,
		validity:  time.Hour,
		timeNow:   time.Now,
		materials: make(map[string]*Material),
	}, nil
}

func serialNumber() *big.Int {
	sn, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	return sn
}

func createCert(templ, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	b, err := x509.CreateCertificate(rand.Reader, templ, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return cert, nil
}

func certPEM(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}

// RootCAPEM returns the root certificate in PEM format.
func (cm *CertManager) RootCAPEM() string {
	return string(cm.rootPEM)
}

// RootCACertPool returns a CertPool that contains the root certificate.
func (cm *CertManager) RootCACertPool() *x509.CertPool {
	return cm.pool
}

// Material returns the certificate material for serverName. The same
// material is returned on every call for a given name.
func (cm *CertManager) Material(serverName string) (*Material, error) {
	if n, err := idna.Lookup.ToASCII(serverName); err == nil {
		serverName = n
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if m := cm.materials[serverName]; m != nil {
		return m, nil
	}
	cm.logger("[%s] Material(%q)", cm.name, serverName)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	now := cm.timeNow()
	templ := &x509.Certificate{
		SerialNumber:          serialNumber(),
		Subject:               pkix.Name{CommonName: serverName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(cm.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{serverName, "*." + serverName},
	}
	leaf, err := createCert(templ, cm.intCert, key.Public(), cm.intKey)
	if err != nil {
		return nil, err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("x509.MarshalPKCS8PrivateKey: %w", err)
	}
	leafPEM := certPEM(leaf)
	m := &Material{
		PrivKey:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
		FullChain: append(append([]byte(nil), leafPEM...), cm.intPEM...),
		Cert:      leafPEM,
		Chain:     append([]byte(nil), cm.intPEM...),
		Leaf:      leaf,
	}
	cm.materials[serverName] = m
	return m, nil
}

// Supplier returns a certsource.Supplier that serves the material of
// serverName.
func (cm *CertManager) Supplier(serverName string) certsource.Supplier {
	return supplier{cm: cm, serverName: serverName}
}

type supplier struct {
	cm         *CertManager
	serverName string
}

func (s supplier) Fetch(ctx context.Context, kind certsource.Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.cm.Material(s.serverName)
	if err != nil {
		return nil, err
	}
	b, err := m.Bytes(kind)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Handler returns an http.Handler that mimics the certificate origin for
// serverName, i.e. it serves /privkey.pem, /fullchain.pem, /cert.pem, and
// /chain.pem.
func (cm *CertManager) Handler(serverName string) http.Handler {
	s := cm.Supplier(serverName)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name, ok := strings.CutSuffix(strings.TrimPrefix(req.URL.Path, "/"), ".pem")
		if !ok || req.Method != http.MethodGet {
			http.NotFound(w, req)
			return
		}
		kind, err := certsource.ParseKind(name)
		if err != nil {
			http.NotFound(w, req)
			return
		}
		b, err := s.Fetch(req.Context(), kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/x-pem-file")
		w.Write(b)
	})
}
