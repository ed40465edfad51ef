package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/momentics/evws/api"
	"github.com/momentics/evws/control"
	"github.com/momentics/evws/reactor"
	"github.com/momentics/evws/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type serveFlags struct {
	host            string
	port            int
	http            bool
	idleTimeout     int
	maxPayload      int64
	backpressure    int64
	tls             bool
	certFile        string
	keyFile         string
	caFile          string
	dhParamsFile    string
	passphrase      string
	shutdownTimeout time.Duration
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket echo server",
		Long: `Run a WebSocket echo server. With --http the plain HTTP side serves
/metrics (Prometheus) and /debug/state (probe dump as JSON).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), opts, f.shutdownTimeout)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.host, "host", server.DefaultHost, "bind address")
	fl.IntVar(&f.port, "port", 8080, "bind port")
	fl.BoolVar(&f.http, "http", false, "serve plain HTTP requests")
	fl.IntVar(&f.idleTimeout, "idle-timeout", server.DefaultIdleTimeout, "WebSocket idle timeout in seconds, 0 = never")
	fl.Int64Var(&f.maxPayload, "max-payload", server.DefaultMaxPayload, "largest inbound message in bytes, 0 = no limit")
	fl.Int64Var(&f.backpressure, "backpressure", server.DefaultBackpressure, "queued outbound bytes before sends are dropped, 0 = no limit")
	fl.BoolVar(&f.tls, "tls", false, "terminate TLS")
	fl.StringVar(&f.certFile, "tls-cert", "", "PEM certificate file")
	fl.StringVar(&f.keyFile, "tls-key", "", "PEM private key file")
	fl.StringVar(&f.caFile, "tls-ca", "", "PEM CA bundle for client certificates")
	fl.StringVar(&f.dhParamsFile, "tls-dh-params", "", "DH parameters file")
	fl.StringVar(&f.passphrase, "tls-passphrase", "", "private key passphrase")
	fl.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 2*time.Second, "grace period for closing sockets on stop")
	return cmd
}

// options maps the flags onto Options. Host and port are always set;
// other flags only when given, so the library defaults apply.
func (f *serveFlags) options(fs *pflag.FlagSet) (*server.Options, error) {
	o := server.NewOptions()
	if err := o.SetHost(&f.host); err != nil {
		return nil, err
	}
	if err := o.SetPort(&f.port); err != nil {
		return nil, err
	}
	optional := []struct {
		flag  string
		apply func() error
	}{
		{"http", func() error { return o.SetHTTPEnabled(&f.http) }},
		{"idle-timeout", func() error { return o.SetWSIdleTimeout(&f.idleTimeout) }},
		{"max-payload", func() error { return o.SetWSMaxIncomingPayloadSize(&f.maxPayload) }},
		{"backpressure", func() error { return o.SetWSBackpressureBufferSize(&f.backpressure) }},
		{"tls", func() error { return o.SetSSLEnabled(&f.tls) }},
		{"tls-cert", func() error { return o.SetSSLCertFile(&f.certFile) }},
		{"tls-key", func() error { return o.SetSSLKeyFile(&f.keyFile) }},
		{"tls-ca", func() error { return o.SetSSLCAFile(&f.caFile) }},
		{"tls-dh-params", func() error { return o.SetSSLDHParamsFile(&f.dhParamsFile) }},
		{"tls-passphrase", func() error { return o.SetSSLPassphrase(&f.passphrase) }},
	}
	for _, opt := range optional {
		if !fs.Changed(opt.flag) {
			continue
		}
		if err := opt.apply(); err != nil {
			return nil, fmt.Errorf("--%s: %w", opt.flag, err)
		}
	}
	return o, nil
}

func serve(ctx context.Context, opts *server.Options, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop, err := reactor.NewLoop()
	if err != nil {
		return err
	}
	defer loop.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	probes := control.NewProbes()
	control.RegisterRuntimeProbes(probes)

	log := slog.Default()
	app := &echoApp{log: log, router: newRouter(reg, probes)}
	srv, err := server.New(loop, opts, app,
		server.WithLogger(log.With("component", "evws")),
		server.WithMetrics(control.NewMetrics(reg, "evws")),
		server.WithProbes(probes),
		server.WithShutdownTimeout(shutdownTimeout),
	)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return srv.Start()
}

func newRouter(reg *prometheus.Registry, probes *control.Probes) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/debug/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(probes.DumpState())
	})
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "evws echo server: connect a WebSocket client to any path")
	})
	return r
}

type echoApp struct {
	log    *slog.Logger
	router http.Handler
}

func (a *echoApp) HandleHandshake(req *server.Request, _ *server.HTTPIO) server.Conn {
	a.log.Debug("handshake", "path", req.Path(), "remote", req.RemoteIPAddress())
	return &echoConn{log: a.log}
}

func (a *echoApp) HandleRequest(req *server.Request, io *server.HTTPIO) {
	if err := server.ServeHTTP(a.router, req, io); err != nil {
		a.log.Warn("serve http", "err", err)
	}
}

type echoConn struct {
	server.Connection
	log *slog.Logger
}

func (c *echoConn) HandleMessage(payload []byte, format api.Format) {
	if _, err := c.Send(payload, format); err != nil {
		if errors.Is(err, api.ErrBackpressure) {
			c.log.Debug("echo dropped", "remote", c.RemoteIPAddress(), "size", len(payload))
			return
		}
		c.log.Warn("echo failed", "err", err)
	}
}

func (c *echoConn) HandleClose(code int, reason string) {
	c.log.Debug("closed", "remote", c.RemoteIPAddress(), "code", code, "reason", reason)
}
