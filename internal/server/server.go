// Package server provides the HTTP surface for the devloop daemon.
//
// Every route is a thin entry point into a pipeline: webhooks feed the
// event dispatcher, /heartbeat drives the periodic check, and the
// /trigger and /debug routes exist for manual operation. Handlers return
// quickly; pipeline work that can take minutes runs detached.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devloop/internal/bus"
	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/events"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/state"
)

// webhookRateLimit bounds webhook deliveries per sender IP. GitHub
// batches deliveries, so bursts are expected; sustained floods are not.
const (
	webhookRateLimit = rate.Limit(10)
	webhookRateBurst = 30
)

// Dispatcher routes parsed webhook events to pipelines.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) error
}

// Publisher hands events to the bus instead of dispatching inline.
type Publisher interface {
	PublishEvent(ctx context.Context, env bus.Envelope) error
}

// HeartbeatRunner runs one periodic status check.
type HeartbeatRunner interface {
	Run(ctx context.Context) error
}

// PlannerRunner runs one planning cycle.
type PlannerRunner interface {
	Run(ctx context.Context) error
}

// EnforcerRunner runs the review pipeline for a pull request.
type EnforcerRunner interface {
	Run(ctx context.Context, prNumber int) error
}

// TroubleshooterRunner answers a stuck agent session.
type TroubleshooterRunner interface {
	Run(ctx context.Context, sessionID, question string) error
}

// PRLister lists open pull requests, newest first.
type PRLister interface {
	ListOpenPRs(ctx context.Context) ([]*github.PullRequest, error)
}

// Deps holds the collaborators the server routes into.
type Deps struct {
	Heartbeat      HeartbeatRunner
	Planner        PlannerRunner
	Enforcer       EnforcerRunner
	Troubleshooter TroubleshooterRunner
	Dispatcher     Dispatcher
	Publisher      Publisher // optional; nil dispatches inline
	Store          state.Store
	Host           PRLister
	WebhookSecret  config.Secret
	Log            *logging.Logger
	Metrics        *Metrics
}

// Server wraps Echo with the devloop routes.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	log     *logging.Logger
	metrics *Metrics
}

// New creates the HTTP server. All collaborators except Publisher are
// required.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Heartbeat == nil:
		return nil, fmt.Errorf("heartbeat runner is required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("planner runner is required")
	case deps.Enforcer == nil:
		return nil, fmt.Errorf("enforcer runner is required")
	case deps.Troubleshooter == nil:
		return nil, fmt.Errorf("troubleshooter runner is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("state store is required")
	case deps.Host == nil:
		return nil, fmt.Errorf("host client is required")
	case deps.Log == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		log:     deps.Log,
		metrics: deps.Metrics,
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/webhook", s.handleWebhook, middleware.RateLimiter(
		middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  webhookRateLimit,
			Burst: webhookRateBurst,
		}),
	))
	e.POST("/heartbeat", s.handleHeartbeat)
	e.POST("/trigger/planner", s.handleTriggerPlanner)
	e.POST("/run", s.handleRun)
	e.POST("/debug/reset-state", s.handleResetState)
	e.POST("/debug/force-pr-review", s.handleForcePRReview)

	return s, nil
}

// Start begins serving on the given address. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorHandler converts any error escaping a handler into a JSON 500,
// keeping echo.HTTPError status codes when a handler set one.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}
	if code >= http.StatusInternalServerError {
		s.log.Error(c.Request().Context(), "handler failed",
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	if jsonErr := c.JSON(code, map[string]string{"error": msg}); jsonErr != nil {
		s.log.Error(c.Request().Context(), "failed to write error response", zap.Error(jsonErr))
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			res := c.Response()

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", res.Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}

			switch {
			case res.Status >= 500:
				s.log.Error(req.Context(), "http request", fields...)
			case res.Status >= 400:
				s.log.Warn(req.Context(), "http request", fields...)
			default:
				s.log.Info(req.Context(), "http request", fields...)
			}
			return err
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook verifies, parses, and routes a GitHub webhook delivery.
// It always answers quickly: pipeline work runs detached (or via the
// bus) and its outcome does not affect the HTTP response.
func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	eventName := github.WebHookType(req)

	payload, err := s.webhookPayload(req)
	if err != nil {
		s.metrics.WebhooksTotal.WithLabelValues(eventName, "rejected").Inc()
		s.log.Warn(req.Context(), "webhook rejected",
			zap.String("event", eventName),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	}

	ev, err := events.Parse(eventName, payload)
	if err != nil {
		if errors.Is(err, events.ErrUnhandledEvent) {
			s.metrics.WebhooksTotal.WithLabelValues(eventName, "ignored").Inc()
			return c.JSON(http.StatusAccepted, map[string]string{"status": "ignored"})
		}
		s.metrics.WebhooksTotal.WithLabelValues(eventName, "invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	if s.deps.Publisher != nil {
		env := bus.Envelope{EventID: ev.EventID(), Kind: ev.Kind(), Payload: payload}
		if err := s.deps.Publisher.PublishEvent(req.Context(), env); err != nil {
			// The bus is an optimization; fall through to inline dispatch.
			s.log.Warn(req.Context(), "bus publish failed, dispatching inline",
				zap.String("event_id", ev.EventID()),
				zap.Error(err),
			)
		} else {
			s.metrics.WebhooksTotal.WithLabelValues(eventName, "accepted").Inc()
			return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
		}
	}

	s.metrics.WebhooksTotal.WithLabelValues(eventName, "accepted").Inc()
	go s.dispatchDetached(ev)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// webhookPayload reads the delivery body, verifying the signature when a
// webhook secret is configured.
func (s *Server) webhookPayload(req *http.Request) ([]byte, error) {
	if s.deps.WebhookSecret.IsSet() {
		return github.ValidatePayload(req, []byte(s.deps.WebhookSecret.Value()))
	}
	return io.ReadAll(req.Body)
}

// dispatchDetached runs the dispatcher outside the request lifecycle so
// slow pipelines do not hold the webhook response open.
func (s *Server) dispatchDetached(ev events.Event) {
	ctx := context.Background()
	start := time.Now()
	err := s.deps.Dispatcher.Dispatch(ctx, ev)
	s.metrics.CycleDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.CyclesTotal.WithLabelValues("dispatch", "error").Inc()
		s.log.Error(ctx, "event dispatch failed",
			zap.String("event_id", ev.EventID()),
			zap.String("kind", ev.Kind()),
			zap.Error(err),
		)
		return
	}
	s.metrics.CyclesTotal.WithLabelValues("dispatch", "ok").Inc()
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	if err := s.deps.Heartbeat.Run(c.Request().Context()); err != nil {
		s.metrics.HeartbeatTicksTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("heartbeat: %w", err)
	}
	s.metrics.HeartbeatTicksTotal.WithLabelValues("ok").Inc()
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerPlanner(c echo.Context) error {
	start := time.Now()
	err := s.deps.Planner.Run(c.Request().Context())
	s.metrics.CycleDuration.WithLabelValues("planner").Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.CyclesTotal.WithLabelValues("planner", "error").Inc()
		return fmt.Errorf("planner: %w", err)
	}
	s.metrics.CyclesTotal.WithLabelValues("planner", "ok").Inc()
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	PRNumber  *int   `json:"prNumber"`
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
}

// handleRun routes a manual pipeline invocation: a prNumber runs the
// enforcer, a sessionId plus question runs the troubleshooter.
func (s *Server) handleRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	switch {
	case req.PRNumber != nil:
		start := time.Now()
		err := s.deps.Enforcer.Run(ctx, *req.PRNumber)
		s.metrics.CycleDuration.WithLabelValues("enforcer").Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.CyclesTotal.WithLabelValues("enforcer", "error").Inc()
			return fmt.Errorf("enforcer for PR #%d: %w", *req.PRNumber, err)
		}
		s.metrics.CyclesTotal.WithLabelValues("enforcer", "ok").Inc()
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "pipeline": "enforcer"})

	case req.Question != "":
		start := time.Now()
		err := s.deps.Troubleshooter.Run(ctx, req.SessionID, req.Question)
		s.metrics.CycleDuration.WithLabelValues("troubleshooter").Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.CyclesTotal.WithLabelValues("troubleshooter", "error").Inc()
			return fmt.Errorf("troubleshooter: %w", err)
		}
		s.metrics.CyclesTotal.WithLabelValues("troubleshooter", "ok").Inc()
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "pipeline": "troubleshooter"})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, "request needs prNumber or question")
	}
}

func (s *Server) handleResetState(c echo.Context) error {
	if err := s.deps.Store.Reset(c.Request().Context()); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

// handleForcePRReview runs the enforcer against the most recent open PR.
func (s *Server) handleForcePRReview(c echo.Context) error {
	ctx := c.Request().Context()
	prs, err := s.deps.Host.ListOpenPRs(ctx)
	if err != nil {
		return fmt.Errorf("list open PRs: %w", err)
	}
	if len(prs) == 0 {
		return c.JSON(http.StatusOK, map[string]string{"status": "no open pull requests"})
	}

	number := prs[0].GetNumber()
	start := time.Now()
	runErr := s.deps.Enforcer.Run(ctx, number)
	s.metrics.CycleDuration.WithLabelValues("enforcer").Observe(time.Since(start).Seconds())
	if runErr != nil {
		s.metrics.CyclesTotal.WithLabelValues("enforcer", "error").Inc()
		return fmt.Errorf("enforcer for PR #%d: %w", number, runErr)
	}
	s.metrics.CyclesTotal.WithLabelValues("enforcer", "ok").Inc()
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"pr":     strconv.Itoa(number),
	})
}
