// Package webhook implements the HTTP ingress: signed platform event
// delivery plus the periodic catch-up scan for missed events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/agent-runner/internal/config"
	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Handler consumes one verified webhook delivery.
type Handler func(ctx context.Context, event, delivery string, payload []byte) error

// Server is the webhook HTTP listener.
type Server struct {
	cfg     config.Webhooks
	secret  []byte
	handler Handler
	srv     *http.Server
}

// NewServer builds the listener around a delivery handler.
func NewServer(cfg config.Webhooks, handler Handler) *Server {
	s := &Server{cfg: cfg, secret: []byte(cfg.ResolveSecret()), handler: handler}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Post(cfg.Path, s.handleDelivery)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Start serves until the context is canceled, then drains with a bounded
// shutdown window.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("webhook server listening",
			slog.String("addr", s.srv.Addr), slog.String("path", s.cfg.Path))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=webhook.Start: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("op=webhook.Start shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.cfg.MaxPayload())
	if err != nil {
		observability.WebhookEventsTotal.WithLabelValues("", "payload_too_large").Inc()
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery == "" {
		// Keep every delivery traceable in logs even when the sender omits
		// the header.
		delivery = ulid.Make().String()
	}

	if err := VerifySignature(s.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		slog.Warn("webhook signature rejected",
			slog.String("event", event), slog.String("delivery", delivery))
		observability.WebhookEventsTotal.WithLabelValues(event, "bad_signature").Inc()
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	if !json.Valid(body) {
		observability.WebhookEventsTotal.WithLabelValues(event, "bad_payload").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := s.handler(r.Context(), event, delivery, body); err != nil {
		slog.Error("webhook handler failed",
			slog.String("event", event), slog.String("delivery", delivery), slog.Any("error", err))
		observability.WebhookEventsTotal.WithLabelValues(event, "error").Inc()
		http.Error(w, "handler error", http.StatusInternalServerError)
		return
	}
	observability.WebhookEventsTotal.WithLabelValues(event, "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// readBody reads the request body up to max bytes; exceeding it is an error.
func readBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, max)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrWebhookPayload, err)
	}
	return body, nil
}

// VerifySignature checks the hex HMAC-SHA256 header against the raw body in
// constant time.
func VerifySignature(secret, body []byte, header string) error {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return fmt.Errorf("op=webhook.VerifySignature: missing header: %w", domain.ErrWebhookSignature)
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return fmt.Errorf("op=webhook.VerifySignature: %w", domain.ErrWebhookSignature)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("op=webhook.VerifySignature: %w", domain.ErrWebhookSignature)
	}
	return nil
}
