package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/veil/certs"
	"github.com/zsiec/veil/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	workerAddr := envOr("VEIL_ADDR", ":4443")
	apiAddr := envOr("API_ADDR", ":4444")

	slog.Info("veil starting",
		"version", version,
		"worker", workerAddr,
		"api", apiAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	srv, err := transport.NewServer(transport.ServerConfig{
		Addr: workerAddr,
		Cert: cert,
		Log:  log,
	})
	if err != nil {
		slog.Error("failed to create worker endpoint", "error", err)
		os.Exit(1)
	}

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: srv.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
