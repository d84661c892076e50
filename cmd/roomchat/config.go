package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/roomchat/internal/client"
	"github.com/haasonsaas/roomchat/internal/config"
	"github.com/haasonsaas/roomchat/internal/observability"
)

const defaultConfigName = "roomchat.yaml"

// resolveConfigPath picks the flag, then ROOMCHAT_CONFIG, then roomchat.yaml
// in the working directory. Empty means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("ROOMCHAT_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// host owns the client and the process-level observability around it.
type host struct {
	client  *client.Client
	logger  *slog.Logger
	cleanup []func(context.Context) error
}

func openHost(cmd *cobra.Command) (*host, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	h := &host{logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(registry)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		shutdown, err := serveMetrics(addr, registry, logger)
		if err != nil {
			return nil, err
		}
		h.cleanup = append(h.cleanup, shutdown)
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "roomchat",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	h.cleanup = append(h.cleanup, shutdownTracer)

	c, err := client.New(cmd.Context(), client.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		_ = h.shutdown()
		return nil, err
	}
	h.client = c
	return h, nil
}

// Close releases the client, then flushes traces and stops the metrics
// listener.
func (h *host) Close() error {
	var err error
	if h.client != nil {
		err = h.client.Close()
	}
	return errors.Join(err, h.shutdown())
}

func (h *host) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(h.cleanup) - 1; i >= 0; i-- {
		if err := h.cleanup[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.cleanup = nil
	return errors.Join(errs...)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) (func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Debug("serving metrics", "addr", ln.Addr().String())
	return srv.Shutdown, nil
}

// readSecret prompts for a secret without echo when stdin is a terminal,
// otherwise it reads one line from the command's input.
func readSecret(cmd *cobra.Command, r *bufio.Reader, prompt string, fromStdin bool) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(secret), nil
	}
	return readLine(r)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" && errors.Is(err, io.EOF) {
		return "", errors.New("no input")
	}
	return line, nil
}
