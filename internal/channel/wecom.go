package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wecombot/internal/agent"
	"wecombot/internal/metrics"
	"wecombot/internal/wecom"
)

// ackBody is the fixed acknowledgement WeCom expects from a callback.
const ackBody = "success"

// verifyFailedBody is returned for every URL verification failure.
const verifyFailedBody = "验证失败"

const maxCallbackBody = 1 << 20

// Verifier answers the URL verification handshake.
type Verifier interface {
	VerifyURL(q wecom.Query, echostr string) (string, error)
}

// Processor decrypts and handles a callback body.
type Processor interface {
	Process(ctx context.Context, body []byte, q wecom.Query) error
}

// Submitter runs work detached from the request and reports on it.
type Submitter interface {
	Submit(ctx context.Context, name string, taskFn agent.TaskFunc) string
	List() []agent.BackgroundTask
}

// WeComConfig configures the WeCom callback server.
type WeComConfig struct {
	Host            string
	Port            int
	CallbackPath    string // default /wechat/callback
	VerifyPath      string // default /wechat/verify
	MetricsPath     string // empty disables /metrics
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Version         string
	Verifier        Verifier
	Processor       Processor
	Executor        Submitter
	Logger          *slog.Logger
}

// WeCom serves the callback, verification, health and metrics endpoints.
type WeCom struct {
	cfg    WeComConfig
	logger *slog.Logger
	server *http.Server
}

func NewWeCom(cfg WeComConfig) *WeCom {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/wechat/callback"
	}
	if cfg.VerifyPath == "" {
		cfg.VerifyPath = "/wechat/verify"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WeCom{cfg: cfg, logger: cfg.Logger}
}

func (w *WeCom) Name() string { return "wecom" }

// Handler returns the routed handler wrapped in access logging.
func (w *WeCom) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+w.cfg.CallbackPath, w.handleCallback)
	mux.HandleFunc("GET "+w.cfg.CallbackPath, w.handleVerify)
	mux.HandleFunc("GET "+w.cfg.VerifyPath, w.handleVerify)
	mux.HandleFunc("GET /health", w.handleHealth)
	if w.cfg.MetricsPath != "" {
		mux.Handle("GET "+w.cfg.MetricsPath, metrics.Collector.Handler())
	}
	return accessLog(w.logger, mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *WeCom) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       w.cfg.ReadTimeout,
		WriteTimeout:      w.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("wecom callback server starting", "addr", w.server.Addr, "callback", w.cfg.CallbackPath)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("wecom callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("wecom server: %w", err)
	}
}

// handleCallback acknowledges immediately and processes the body in the
// background. WeCom retries anything slow or non-success, so failures are
// only logged.
func (w *WeCom) handleCallback(rw http.ResponseWriter, r *http.Request) {
	metrics.CallbacksTotal.Inc()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	r.Body.Close()

	writeText(rw, http.StatusOK, ackBody)

	if err != nil {
		metrics.CallbackFailures.Inc()
		w.logger.Warn("callback body read failed", "err", err)
		return
	}
	q := queryOf(r.URL.Query())
	w.cfg.Executor.Submit(r.Context(), "callback", func(ctx context.Context, _ func(int)) (string, error) {
		return "", w.cfg.Processor.Process(ctx, body, q)
	})
}

func (w *WeCom) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := queryOf(r.URL.Query())
	echostr := rawParam(r.URL.RawQuery, "echostr")
	if q.MsgSignature == "" || q.Timestamp == "" || q.Nonce == "" || echostr == "" {
		metrics.VerifyFailures.Inc()
		w.logger.Warn("url verification missing parameters")
		writeText(rw, http.StatusBadRequest, verifyFailedBody)
		return
	}

	plain, err := w.cfg.Verifier.VerifyURL(q, echostr)
	if err != nil {
		metrics.VerifyFailures.Inc()
		w.logger.Warn("url verification failed", "err", err)
		writeText(rw, http.StatusBadRequest, verifyFailedBody)
		return
	}
	w.logger.Info("url verification succeeded")
	writeText(rw, http.StatusOK, plain)
}

func (w *WeCom) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":  "ok",
		"service": "wecombot",
		"version": w.cfg.Version,
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
		"tasks":   taskSummary(w.cfg.Executor.List()),
	})
}

// taskSummary counts retained background tasks by status.
func taskSummary(tasks []agent.BackgroundTask) map[string]int {
	sum := map[string]int{
		string(agent.TaskPending):  0,
		string(agent.TaskRunning):  0,
		string(agent.TaskComplete): 0,
		string(agent.TaskFailed):   0,
	}
	for _, t := range tasks {
		sum[string(t.Status)]++
	}
	return sum
}

func queryOf(v url.Values) wecom.Query {
	return wecom.Query{
		MsgSignature: v.Get("msg_signature"),
		Timestamp:    v.Get("timestamp"),
		Nonce:        v.Get("nonce"),
	}
}

// rawParam returns a query parameter decoded with path rules, so a literal
// '+' in base64 stays '+' instead of becoming a space. Undecodable values are
// returned as sent.
func rawParam(rawQuery, key string) string {
	for _, pair := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k != key {
			continue
		}
		if dec, err := url.PathUnescape(v); err == nil {
			return dec
		}
		return v
	}
	return ""
}

func writeText(rw http.ResponseWriter, status int, body string) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(status)
	io.WriteString(rw, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
