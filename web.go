/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/umigame/metrics"
	"github.com/Seednode/umigame/relay"
	"github.com/Seednode/umigame/store"
	"github.com/julienschmidt/httprouter"
)

const (
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("umigame v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(written),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// openStores builds the session store and judgment ledger named by cfg. The
// returned closer releases the ledger.
func openStores(cfg *Config) (relay.SessionStore, relay.Ledger, func() error, error) {
	var (
		puzzles = store.NewPuzzles()
		err     error
	)

	if cfg.puzzles != "" {
		puzzles, err = store.LoadPuzzles(cfg.puzzles, cfg.watchPuzzles, func(err error) {
			errorf(cfg, "STORE: Keeping previous puzzles: %v", err)
		})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	logf(cfg, "STORE: Loaded %d puzzle(s)", puzzles.Len())

	if cfg.ledger == "" {
		return puzzles, store.NewMemoryLedger(), func() error { return nil }, nil
	}

	ledger, err := store.OpenBoltLedger(cfg.ledger)
	if err != nil {
		return nil, nil, nil, err
	}
	logf(cfg, "STORE: Recording judgments to %s", cfg.ledger)

	return puzzles, ledger, ledger.Close, nil
}

// registerRoutes wires the relay and every page onto mux. The returned hub
// owns the live connections.
func registerRoutes(cfg *Config, mux *httprouter.Router, sessions relay.SessionStore, ledger relay.Ledger, errs chan<- error) *Hub {
	m := metrics.New(metrics.WithRuntimeCollectors())

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	if cfg.metrics {
		mux.Handler("GET", cfg.prefix+"/metrics", m.Handler())
	}

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	opts := []relay.Option{
		relay.WithDeliveryTimeout(cfg.deliveryTimeout),
		relay.WithConcurrency(cfg.fanoutConcurrency),
		relay.WithSessionScoping(cfg.sessionScoped),
		relay.WithRecorder(m),
	}
	if cfg.logger != nil {
		opts = append(opts, relay.WithLogger(cfg.logger))
	}

	hub := newHub(m)
	registerUmigame(cfg, "/umigame", mux, hub, relay.New(sessions, hub, ledger, hub, opts...))

	return hub
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: umigame v%s", releaseVersion)

	sessions, ledger, closeLedger, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		errorf(cfg, "SERVE: Panic serving %s: %v", r.URL.Path, i)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	errs := make(chan error, 64)
	go func() {
		for err := range errs {
			errorf(cfg, "SERVE: %v", err)
		}
	}()

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	hub := registerRoutes(cfg, mux, sessions, ledger, errs)

	served := make(chan error, 1)
	go func() {
		logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			served <- srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			served <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-served:
		hub.closeAll()

		return err
	case <-ctx.Done():
	}

	logf(cfg, "STOP: Shutting down")

	hub.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
