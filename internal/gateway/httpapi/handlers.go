package httpapi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"` // Original user request; screened first when present.
	Code      string `json:"code"`

	// Optional per-request tightening. Requests can only narrow the
	// configured limits, never widen them.
	MaxWallSeconds int `json:"max_wall_seconds,omitempty"`
}

// ArtifactBody is one structured artifact in an execution response.
type ArtifactBody struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	RequestID         string         `json:"request_id"`
	Status            string         `json:"status"`
	Message           string         `json:"message,omitempty"` // User-safe explanation for non-ok outcomes.
	Stdout            string         `json:"stdout,omitempty"`
	Artifacts         []ArtifactBody `json:"artifacts,omitempty"`
	RedactionsApplied int            `json:"redactions_applied"`
	BlockedCategory   string         `json:"blocked_category,omitempty"`
	Strategy          string         `json:"strategy,omitempty"`
	DurationMS        int64          `json:"duration_ms"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SessionID == "" {
		return c.AbortBadRequest("session_id is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return c.AbortBadRequest("code is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http execute",
		slog.String("client_id", clientID),
		slog.String("session_id", req.SessionID),
		slog.String("correlation_id", correlationID),
	)

	result, err := g.exec.Submit(c.Context(), &executor.Request{
		ID:        correlationID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Code:      req.Code,
		Limits: sandbox.ResourceLimits{
			MaxWallSeconds: req.MaxWallSeconds,
		},
	})
	if err != nil {
		if errors.Is(err, executor.ErrSessionBusy) {
			return c.JSON(http.StatusConflict, ErrorBody{Error: "session has an execution in flight"})
		}
		g.logger.Error("execution failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution failed")
	}

	return c.OK(executeResponse(correlationID, result))
}

func executeResponse(requestID string, result *sandbox.Result) ExecuteResponse {
	resp := ExecuteResponse{
		RequestID:         requestID,
		Status:            string(result.Status),
		Message:           executor.UserMessage(result),
		Stdout:            result.Stdout,
		RedactionsApplied: result.RedactionsApplied,
		BlockedCategory:   result.BlockedCategory,
		Strategy:          string(result.Strategy),
		DurationMS:        result.Duration.Milliseconds(),
	}
	for _, a := range result.Artifacts {
		resp.Artifacts = append(resp.Artifacts, ArtifactBody{Kind: string(a.Kind), Payload: a.Payload})
	}
	return resp
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(g.exec.Status())
}

// --- Session data contexts ---

// DataUploadRequest is the JSON body for POST /v1/sessions/{id}/data.
type DataUploadRequest struct {
	Name       string `json:"name"` // Original file name, e.g. "sales.csv".
	CSV        string `json:"csv"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"` // 0 = server default.
}

// DataContextResponse is data-context metadata. The raw CSV is never
// echoed back.
type DataContextResponse struct {
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	Rows       int       `json:"rows"`
	Columns    []string  `json:"columns"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (g *Gateway) handleDataUpload(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	sessionID := c.Param("id")
	var req DataUploadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.CSV == "" {
		return c.AbortBadRequest("csv is required")
	}

	dc, err := buildDataContext(sessionID, req.Name, req.CSV)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := g.store.Put(c.Context(), dc, ttl); err != nil {
		g.logger.Error("storing data context",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("storing data context failed")
	}

	g.logger.Info("data context uploaded",
		slog.String("client_id", clientID),
		slog.String("session_id", sessionID),
		slog.Int("rows", dc.Rows),
		slog.Int("columns", len(dc.Columns)),
	)

	return c.JSON(http.StatusCreated, dataContextResponse(dc))
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	dc, err := g.store.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "no data context for session"})
		}
		return c.AbortInternalServerError("loading data context failed")
	}
	return c.OK(dataContextResponse(dc))
}

func (g *Gateway) handleDataDelete(c *okapi.Context) error {
	if err := g.store.Delete(c.Context(), c.Param("id")); err != nil {
		return c.AbortInternalServerError("deleting data context failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func dataContextResponse(dc *session.DataContext) DataContextResponse {
	return DataContextResponse{
		SessionID:  dc.SessionID,
		Name:       dc.Name,
		Rows:       dc.Rows,
		Columns:    dc.Columns,
		UploadedAt: dc.UploadedAt,
	}
}

// buildDataContext validates the CSV payload and extracts its shape.
// Ragged rows are rejected here rather than surfacing later as a
// confusing pandas error inside the sandbox.
func buildDataContext(sessionID, name, rawCSV string) (*session.DataContext, error) {
	r := csv.NewReader(strings.NewReader(rawCSV))

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	for i, col := range header {
		if strings.TrimSpace(col) == "" {
			return nil, fmt.Errorf("CSV header column %d is empty", i+1)
		}
	}

	rows := 0
	for {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading CSV row %d: %w", rows+2, err)
		}
		rows++
	}
	if rows == 0 {
		return nil, errors.New("CSV has no data rows")
	}

	if name == "" {
		name = "data.csv"
	}

	return &session.DataContext{
		SessionID:  sessionID,
		Name:       name,
		CSV:        rawCSV,
		Rows:       rows,
		Columns:    header,
		UploadedAt: time.Now().UTC(),
	}, nil
}

// --- Health ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
