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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hitherhost/hitherhost/certmanager"
	"github.com/hitherhost/hitherhost/certsource"
	"github.com/hitherhost/hitherhost/proxy"
)

type options struct {
	certOrigin    string
	ephemeral     bool
	stdout        bool
	configFile    string
	metricsAddr   string
	shutdownGrace time.Duration
}

func (o *options) addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.certOrigin, "cert-origin", certsource.DefaultOrigin, "The location of the certificate material.")
	fs.BoolVar(&o.ephemeral, "use-ephemeral-certificates", false, "Use certificates from an ephemeral certificate authority. This is for testing purposes only.")
}

func (o *options) addProxyFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.stdout, "stdout", false, "Log to STDOUT.")
	fs.StringVar(&o.configFile, "config", "", "The optional config file name.")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "The address where to export prometheus metrics, e.g. localhost:9090.")
	fs.DurationVar(&o.shutdownGrace, "shutdown-grace-period", time.Minute, "The shutdown grace period.")
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var o options
	root := &cobra.Command{
		Use:           "hitherhost",
		Short:         "Expose a local TCP server as https://" + proxy.DefaultHostName,
		Version:       Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(stderr)
			if o.stdout {
				log.SetOutput(stdout)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("{{.Version}}\n")
	o.addGlobalFlags(root.PersistentFlags())

	proxyCmd := &cobra.Command{
		Use:   "proxy <server-addr> <port>",
		Short: "Forward TLS connections received on <port> to <server-addr>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), &o, args[0], args[1], stdout)
		},
	}
	o.addProxyFlags(proxyCmd.Flags())

	var kinds []string
	for _, k := range certsource.Kinds() {
		kinds = append(kinds, string(k))
	}
	fetchCmd := &cobra.Command{
		Use:       "fetch <privkey|fullchain|cert|chain>",
		Short:     "Write the certificate material of the given kind to STDOUT",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), &o, args[0], stdout)
		},
	}

	root.AddCommand(proxyCmd, fetchCmd)
	return root
}

func (o *options) supplier() (certsource.Supplier, error) {
	if o.ephemeral {
		log.Print("WRN Using ephemeral certificates")
		cm, err := certmanager.New("hitherhost-ephemeral-ca", log.Printf)
		if err != nil {
			return nil, err
		}
		return cm.Supplier(proxy.DefaultHostName), nil
	}
	s, err := certsource.New(certsource.Options{Origin: o.certOrigin})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func runFetch(ctx context.Context, o *options, name string, stdout io.Writer) error {
	kind, err := certsource.ParseKind(name)
	if err != nil {
		return err
	}
	s, err := o.supplier()
	if err != nil {
		return err
	}
	b, err := s.Fetch(ctx, kind)
	if err != nil {
		return err
	}
	_, err = stdout.Write(b)
	return err
}

func runProxy(ctx context.Context, o *options, serverAddr, portArg string, stdout io.Writer) error {
	cfg := &proxy.Config{}
	if o.configFile != "" {
		var err error
		if cfg, err = proxy.ReadConfig(o.configFile); err != nil {
			return err
		}
	}
	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q", portArg)
	}
	cfg.ServerAddr = serverAddr
	cfg.Port = int(port)
	if err := cfg.Check(); err != nil {
		return err
	}
	log.Printf("INF hitherhost %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	s, err := o.supplier()
	if err != nil {
		return err
	}
	tc, err := proxy.LoadTLSConfig(ctx, s)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	if cfg.OCSPStapling {
		if err := proxy.StapleOCSP(ctx, tc, nil); err != nil {
			log.Printf("WRN OCSP stapling: %v", err)
		}
	}
	backend, err := proxy.ResolveBackend(ctx, cfg.ServerAddr, proxy.ResolverOptions{DNSServer: cfg.DNSServer})
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	p, err := proxy.New(cfg, tc, backend)
	if err != nil {
		return err
	}
	// The proxy outlives ctx so that it can shut down gracefully.
	if err := p.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer p.Stop()

	if o.metricsAddr != "" {
		l, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", p.MetricsHandler())
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go srv.Serve(l)
		defer srv.Close()
		log.Printf("INF Exporting metrics on http://%s/metrics", l.Addr())
	}

	fmt.Fprintf(stdout, "https://%s:%d -> %s\n", cfg.HostName, p.Addr().(*net.TCPAddr).Port, backend)

	select {
	case <-ctx.Done():
		log.Print("INF Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), o.shutdownGrace)
		defer cancel()
		p.Shutdown(sctx)
		return nil
	case <-p.Done():
		if err := p.Err(); err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		return errors.New("proxy stopped")
	}
}
