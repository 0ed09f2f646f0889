// Package webhook triggers propagation runs from GitHub push events.
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
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/schaermu/trisync/internal/activation"
	"github.com/schaermu/trisync/internal/config"
)

// SocketName is the FileDescriptorName= of the activated socket the server prefers
const SocketName = "webhook"

// maxPayloadSize caps the webhook body that is read and verified
const maxPayloadSize = 1 << 20

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// RunFunc performs one complete propagation run
type RunFunc func(ctx context.Context) error

// Server implements the webhook HTTP server
type Server struct {
	cfg         *config.Config
	run         RunFunc
	logger      *slog.Logger
	secret      []byte
	allowedRefs []string
	metrics     http.Handler

	// sockets overrides systemd activation when set
	sockets func() ([]activation.Socket, error)

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a run is currently in progress
	syncPending bool       // whether another run is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server that calls run for every accepted push
func NewServer(cfg *config.Config, run RunFunc, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	// Without an explicit filter only pushes to configured branches trigger a run
	allowedRefs := cfg.Serve.AllowedRefs
	if len(allowedRefs) == 0 {
		allowedRefs = lo.Map(cfg.Branches, func(b string, _ int) string {
			return "refs/heads/" + b
		})
	}

	s := &Server{
		cfg:         cfg,
		run:         run,
		logger:      logger,
		secret:      secret,
		allowedRefs: allowedRefs,
		sockets:     activation.Sockets,
	}

	// Initialize debouncer with 2 second delay
	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}

	return s, nil
}

// HandleMetrics exposes h on /metrics
func (s *Server) HandleMetrics(h http.Handler) {
	s.metrics = h
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start performs an initial run and then serves webhooks until ctx is done.
// A systemd-activated socket is used when present, otherwise the server
// listens on serve.listen_addr.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial run before starting webhook server")
	s.performSync(ctx)

	if ctx.Err() != nil {
		return nil
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// listen returns the first socket-activated listener, or a new TCP listener
func (s *Server) listen() (net.Listener, error) {
	sockets, err := s.sockets()
	if err != nil {
		return nil, fmt.Errorf("failed to get activated sockets: %w", err)
	}
	if l := activation.Pick(sockets, SocketName); l != nil {
		s.logger.Info("using socket-activated listener", "sockets", len(sockets), "addr", l.Addr())
		return l, nil
	}

	l, err := net.Listen("tcp", s.cfg.Serve.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
	}
	return l, nil
}

// rejection is a request that is answered without triggering a run
type rejection struct {
	status int
	reason string
}

// ignored answers 200 so GitHub does not report a failed delivery
func ignored(reason string) *rejection {
	return &rejection{status: http.StatusOK, reason: reason}
}

// handleWebhook triggers a debounced run for every accepted push
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event, rej := s.decodePush(r)
	if rej != nil {
		if rej.status == http.StatusOK {
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprintln(w, rej.reason)
			return
		}
		http.Error(w, rej.reason, rej.status)
		return
	}

	s.logger.Info("webhook accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "Run queued")
}

// decodePush validates a delivery and returns its push payload
func (s *Server) decodePush(r *http.Request) (*GitHubPushEvent, *rejection) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		return nil, &rejection{http.StatusMethodNotAllowed, "Method not allowed"}
	}

	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", ct)
		return nil, &rejection{http.StatusBadRequest, "Invalid content type"}
	}

	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		return nil, &rejection{http.StatusInternalServerError, "Failed to read body"}
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		return nil, &rejection{http.StatusForbidden, "Invalid signature"}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		return nil, ignored("Event type not configured for sync")
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		return nil, &rejection{http.StatusBadRequest, "Invalid payload"}
	}

	switch {
	case !s.isRefAllowed(event.Ref):
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		return nil, ignored("Ref not configured for sync")
	case event.Deleted:
		// nothing to replay from a deleted branch
		s.logger.Info("ignoring branch deletion", "ref", event.Ref)
		return nil, ignored("Branch deletion ignored")
	}

	return &event, nil
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list. An
// empty list allows every event.
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true
	}
	return lo.Contains(s.cfg.Serve.AllowedEventTypes, eventType)
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	return lo.Contains(s.allowedRefs, ref)
}

// performSync executes a run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("run already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing propagation run")

		if err := s.run(ctx); err != nil {
			s.logger.Error("run failed", "error", err)
		} else {
			s.logger.Info("run completed")
		}

		// Release the running slot unless another run was requested meanwhile
		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
