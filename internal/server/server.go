package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"pal-router/internal/config"
	"pal-router/internal/consensus"
	"pal-router/internal/continuation"
	"pal-router/internal/models"
	"pal-router/internal/orchestrator"
	"pal-router/internal/registry"
	"pal-router/internal/router"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute
	idleTimeout         = 120 * time.Second
	sweepInterval       = 10 * time.Minute
)

type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	store   *continuation.Store
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, orch *orchestrator.Orchestrator, store *continuation.Store) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator must not be nil")
	}
	if store == nil {
		return nil, errors.New("continuation store must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = taxonomyErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		orch:    orch,
		store:   store,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and the continuation sweep loop, blocking until
// the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// sweepLoop periodically drops expired non-persisted continuation records so
// they expire even without traffic.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.store.Sweep()
		}
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat", s.handleChat)
	s.app.POST("/v1/consensus", s.handleConsensus)
	s.app.POST("/v1/projects", s.handleProjects)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	TaskTag        string `json:"task,omitempty"`
	ContinuationID string `json:"continuation_id,omitempty"`
	Capture        bool   `json:"capture,omitempty"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.orch.Chat(c.Request().Context(), orchestrator.ChatRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		TaskTag:        req.TaskTag,
		ContinuationID: req.ContinuationID,
		Capture:        req.Capture,
	})
	if err != nil {
		return toHTTPError(err)
	}

	if resp.Result.Failed() {
		return c.JSON(http.StatusBadGateway, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

type consensusRequest struct {
	Prompt         string                         `json:"prompt"`
	Participants   []orchestrator.ParticipantSpec `json:"participants"`
	ContinuationID string                         `json:"continuation_id,omitempty"`
	Capture        bool                           `json:"capture,omitempty"`
}

func (s *Server) handleConsensus(c echo.Context) error {
	var req consensusRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.orch.Consensus(c.Request().Context(), orchestrator.ConsensusRequest{
		Prompt:         req.Prompt,
		Participants:   req.Participants,
		ContinuationID: req.ContinuationID,
		Capture:        req.Capture,
	})
	if err != nil {
		return toHTTPError(err)
	}

	// A failed session is still a structured result: the aggregate error
	// list rides along with the 502.
	if resp.Session.Status == consensus.StatusFailed {
		return c.JSON(http.StatusBadGateway, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

type projectsRequest struct {
	Mode           string   `json:"mode"`
	ProjectName    string   `json:"project_name,omitempty"`
	Context        string   `json:"context,omitempty"`
	Decisions      []string `json:"decisions,omitempty"`
	Blockers       []string `json:"blockers,omitempty"`
	NextSteps      []string `json:"next_steps,omitempty"`
	FocusAreas     []string `json:"focus_areas,omitempty"`
	ContinuationID string   `json:"continuation_id,omitempty"`
	Persist        bool     `json:"persist,omitempty"`
}

func (s *Server) handleProjects(c echo.Context) error {
	var req projectsRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.orch.Tracker(c.Request().Context(), orchestrator.TrackerRequest{
		Mode:           req.Mode,
		ProjectName:    req.ProjectName,
		Context:        req.Context,
		Decisions:      req.Decisions,
		Blockers:       req.Blockers,
		NextSteps:      req.NextSteps,
		FocusAreas:     req.FocusAreas,
		ContinuationID: req.ContinuationID,
		Persist:        req.Persist,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Kind:    models.KindInvalidRequest,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Kind:    models.KindInvalidRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Kind:    models.KindInvalidRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Kind    models.ErrorKind
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Kind    models.ErrorKind `json:"kind"`
		Message string           `json:"message"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, kind models.ErrorKind, message string) error {
	var payload errorBody
	payload.Error.Kind = kind
	payload.Error.Message = message
	return c.JSON(status, payload)
}

func taxonomyErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Kind, reqErr.Message)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), models.KindInvalidRequest, he.Error())
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal_error", "internal server error")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var invErr *models.InvocationError
	if errors.As(err, &invErr) {
		status := http.StatusBadRequest
		if invErr.Kind == models.KindProviderError {
			status = http.StatusBadGateway
		}
		return requestError{Status: status, Kind: invErr.Kind, Message: invErr.Message}
	}

	switch {
	case errors.Is(err, registry.ErrUnresolvedIdentifier):
		return requestError{Status: http.StatusBadRequest, Kind: models.KindUnresolvedIdentifier, Message: err.Error()}
	case errors.Is(err, router.ErrUnroutableRequest):
		return requestError{Status: http.StatusBadRequest, Kind: models.KindUnroutableRequest, Message: err.Error()}
	case errors.Is(err, continuation.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Kind: models.KindNotFound, Message: err.Error()}
	case errors.Is(err, continuation.ErrBudgetExhausted):
		return requestError{Status: http.StatusConflict, Kind: models.KindBudgetExhausted, Message: err.Error()}
	case errors.Is(err, continuation.ErrNoPersister):
		return requestError{Status: http.StatusBadRequest, Kind: models.KindInvalidRequest, Message: err.Error()}
	case errors.Is(err, consensus.ErrNoParticipants),
		errors.Is(err, consensus.ErrDuplicateParticipant),
		errors.Is(err, consensus.ErrSynthesizerParticipant),
		errors.Is(err, consensus.ErrDepthExceeded),
		errors.Is(err, orchestrator.ErrUnknownMode):
		return requestError{Status: http.StatusBadRequest, Kind: models.KindInvalidRequest, Message: err.Error()}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Kind:    "internal_error",
		Message: err.Error(),
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("pal-router ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /v1/chat")
	fmt.Println("  POST /v1/consensus")
	fmt.Println("  POST /v1/projects")
	fmt.Printf("Chat example:\n  curl http://%s:%d/v1/chat -H 'Content-Type: application/json' -d '{\"prompt\":\"hello\",\"model\":\"openai/gpt-4o-mini\"}'\n", host, port)
	fmt.Printf("Consensus example:\n  curl http://%s:%d/v1/consensus -H 'Content-Type: application/json' -d '{\"prompt\":\"Adopt Rust?\",\"participants\":[{\"model\":\"openai/gpt-4o\",\"stance\":\"pro\"},{\"model\":\"gemini/gemini-2.0-flash\",\"stance\":\"against\"}]}'\n\n", host, port)
}
