// Package metrics collects the prometheus collectors declared by the other
// packages and serves them over HTTP.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

var (
	mu       sync.Mutex
	declared []prometheus.Collector
)

// Add appends collectors to the set exposed by Register. Packages call it
// from init.
func Add(cs ...prometheus.Collector) {
	mu.Lock()
	defer mu.Unlock()
	declared = append(declared, cs...)
}

// Register registers every declared collector with reg. Already registered
// collectors are skipped.
func Register(reg prometheus.Registerer) error {
	mu.Lock()
	defer mu.Unlock()

	for _, c := range declared {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if xerrors.As(err, &already) {
				continue
			}
			return xerrors.Errorf("register collector: %w", err)
		}
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := Register(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if xerrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return xerrors.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
