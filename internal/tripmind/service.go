package tripmind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Service is the backend proxy. It owns the only copy of the upstream
// credential and answers {action, ...params} requests.
type Service struct {
	cfg Config
	log *slog.Logger

	cred     *credential
	upstream *upstreamClient
	validate *validator.Validate
	handlers map[Action]handlerFunc
	retry    RetryPolicy

	registry *prometheus.Registry
	metrics  *Metrics
	stats    *statsCollector
	quotaLog *rateLimitedLogger

	// sleep waits between video polls.
	sleep func(ctx context.Context, d time.Duration) error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithCredential replaces the credential read from the environment. The
// slice is wiped.
func WithCredential(key []byte) Option {
	return func(s *Service) { s.cred = newCredential(key) }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Upstream.videoPollDur <= 0 {
		return nil, errors.New("config not finished: use LoadConfig or DefaultConfig")
	}

	s := &Service{
		cfg:      cfg,
		log:      slog.Default(),
		validate: validator.New(),
		retry:    cfg.RetryPolicy(),
		registry: prometheus.NewRegistry(),
		sleep:    sleepContext,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cred == nil {
		s.cred = credentialFromEnv(cfg.Upstream.APIKeyEnv)
	}
	if !s.cred.present() {
		s.log.Warn("upstream credential not configured; actions will fail until it is set",
			"env", cfg.Upstream.APIKeyEnv)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)
	s.quotaLog = newRateLimitedLogger(s.log, time.Minute)
	if cfg.Logging.statsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.statsEveryDur)
		}()
	}
	s.upstream = newUpstreamClient(cfg, s.cred, s.stats)
	s.handlers = s.buildHandlers()

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Handler returns the HTTP surface: the dispatcher, the live-session
// endpoint, health and metrics.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("tripmind"), s.requestLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "credential": s.cred.present()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/gemini")
	{
		api.POST("", s.handleDispatch)
		api.POST("/live", s.handleLive)
	}
	return r
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)

		start := time.Now()
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", id,
		)
	}
}

func (s *Service) handleDispatch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.maxBodyBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{
				Error: fmt.Sprintf("request body exceeds %s", formatBytes(uint64(tooBig.Limit))),
				Code:  http.StatusRequestEntityTooLarge,
				Kind:  KindOther,
			})
			return
		}
		s.writeError(c, "", badRequest("read body: %v", err))
		return
	}

	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		s.writeError(c, "", badRequest("invalid JSON body: %v", err))
		return
	}

	out, err := s.Dispatch(c.Request.Context(), head.Action, raw)
	if err != nil {
		s.writeError(c, head.Action, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Dispatch runs the named action with its JSON-encoded params. Unknown
// actions and a missing credential fail before any upstream call.
func (s *Service) Dispatch(ctx context.Context, name string, raw []byte) (any, error) {
	action, ok := ParseAction(name)
	if !ok {
		e := badRequest("Unknown action: %s", name)
		e.Err = ErrUnknownAction
		return nil, e
	}
	if !s.cred.present() {
		return nil, &Error{
			Kind:    KindOther,
			Message: fmt.Sprintf("%s is not configured in server environment", s.cfg.Upstream.APIKeyEnv),
			Code:    http.StatusInternalServerError,
			Status:  StatusCredentialMissing,
			Err:     ErrMissingCredential,
		}
	}

	start := time.Now()
	out, err := s.handlers[action](ctx, raw)
	s.metrics.observeRequest(action, start, err)
	return out, err
}

func (s *Service) writeError(c *gin.Context, action string, err error) {
	ce := Classify(err)
	status := ce.HTTPStatus()

	attrs := []any{
		"action", action,
		"kind", ce.Kind,
		"status", status,
		"request_id", c.GetString("request_id"),
		"err", err,
	}
	switch {
	case ce.Kind == KindRateLimited:
		s.quotaLog.Warn("upstream quota exhausted", attrs...)
	case status >= http.StatusInternalServerError:
		s.log.Error("action failed", attrs...)
	default:
		s.log.Warn("action rejected", attrs...)
	}

	c.JSON(status, ErrorBody{
		Error:  ce.Message,
		Code:   ce.Code,
		Status: ce.Status,
		Kind:   ce.Kind,
	})
}

// handleLive hands the credential to the live voice client, which talks to
// the upstream directly over its own streaming connection.
func (s *Service) handleLive(c *gin.Context) {
	var body struct {
		Lang string `json:"lang"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.writeError(c, "live", badRequest("invalid JSON body: %v", err))
			return
		}
	}

	key, err := s.cred.reveal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorBody{
			Error:  fmt.Sprintf("%s is not configured", s.cfg.Upstream.APIKeyEnv),
			Code:   http.StatusInternalServerError,
			Status: StatusCredentialMissing,
			Kind:   KindOther,
		})
		return
	}
	s.log.Info("live session credential issued", "lang", body.Lang, "request_id", c.GetString("request_id"))
	c.JSON(http.StatusOK, LiveSession{APIKey: key})
}

func (s *Service) retryPolicy(action Action) RetryPolicy {
	p := s.retry
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.metrics.RetriesTotal.WithLabelValues(string(action)).Inc()
		s.quotaLog.Warn("quota exceeded, retrying",
			"action", action,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay.Round(time.Millisecond),
		)
	}
	return p
}
