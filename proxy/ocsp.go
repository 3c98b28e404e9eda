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
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/crypto/ocsp"
)

var (
	errOCSPNoResponder = errors.New("no OCSP responder")
	errOCSPNoIssuer    = errors.New("no issuer in chain")
	errOCSPNotGood     = errors.New("certificate status is not good")
)

// StapleOCSP fetches an OCSP response for the leaf certificate of tc and
// attaches it to the certificate. It must be called before tc is used.
func StapleOCSP(ctx context.Context, tc *tls.Config, client *retryablehttp.Client) error {
	if len(tc.Certificates) == 0 {
		return ErrNoCertificate
	}
	cert := &tc.Certificates[0]
	if cert.Leaf == nil || len(cert.Leaf.OCSPServer) == 0 {
		return errOCSPNoResponder
	}
	if len(cert.Certificate) < 2 {
		return errOCSPNoIssuer
	}
	issuer, err := x509.ParseCertificate(cert.Certificate[1])
	if err != nil {
		return err
	}
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	req, err := ocsp.CreateRequest(cert.Leaf, issuer, nil)
	if err != nil {
		return fmt.Errorf("ocsp.CreateRequest: %w", err)
	}
	var errs []error
	for _, server := range cert.Leaf.OCSPServer {
		resp, err := fetchOCSP(ctx, client, server, req, issuer)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		if resp.Status != ocsp.Good {
			errs = append(errs, fmt.Errorf("%s: %w", server, errOCSPNotGood))
			continue
		}
		cert.OCSPStaple = resp.Raw
		return nil
	}
	return errors.Join(errs...)
}

func fetchOCSP(ctx context.Context, client *retryablehttp.Client, server string, ocspReq []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(ocspReq))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/ocsp-request")
	httpReq.Header.Set("accept", "application/ocsp-response")
	httpReq.Header.Set("user-agent", "hitherhost")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code %d", httpResp.StatusCode)
	}
	body, err := io.ReadAll(&io.LimitedReader{R: httpResp.Body, N: 4096})
	if err != nil {
		return nil, err
	}
	return ocsp.ParseResponse(body, issuer)
}
