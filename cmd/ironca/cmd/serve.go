package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
)

var serveFlags struct {
	listen  string
	tlsCert string
	tlsKey  string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve CA certificates, CRLs and OCSP over HTTP",
	Long: `Starts an HTTP server for relying parties:

  GET  /ca                        registered authorities
  GET  /ca/{ca}/certificate       authority certificate (DER, ?format=pem)
  GET  /ca/{ca}/status/{serial}   ledger status
  GET  /crl/{ca}                  latest CRL
  POST /ocsp/{ca}                 OCSP (RFC 6960 A.1)
  GET  /ocsp/{ca}/{base64}        OCSP over GET
  GET  /metrics                   Prometheus metrics

CRLs and OCSP are normally served over plain HTTP; TLS is used when a
certificate and key are configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runServe)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "Address to listen on (default server.listen)")
	f.StringVar(&serveFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serveFlags.tlsKey, "tls-key", "", "Path to TLS key file")
}

func runServe(ctx context.Context, a *app) error {
	sc := a.cfg.Server
	if serveFlags.listen != "" {
		sc.Listen = serveFlags.listen
	}
	if serveFlags.tlsCert != "" {
		sc.TLSCert, sc.TLSKey = serveFlags.tlsCert, serveFlags.tlsKey
	}

	handlers := api.New(a.engine, api.WithLogger(a.log.WithName("api")), api.WithRegisterer(a.registry))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if sc.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	}
	r.Mount("/", handlers.Router())

	var tlsConfig *tls.Config
	if sc.TLSCert != "" || sc.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	server := &http.Server{
		Addr:              sc.Listen,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	a.log.Info("server listening", "addr", sc.Listen, "tls", tlsConfig != nil, "authorities", a.engine.Authorities())

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
