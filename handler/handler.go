// Package handler is the API Gateway boundary for the simulation service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/integrations/turnlock"
	"coaching-sim/internal/observe"
	"coaching-sim/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	defaultOrigin     = "*"

	errUnauthorized     = "UNAUTHORIZED"
	errMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// SimulationService is the use-case surface the boundary drives.
type SimulationService interface {
	StartSession(ctx context.Context, in usecase.StartInput) (usecase.StartOutput, error)
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	EndSession(ctx context.Context, in usecase.EndInput) (usecase.EndOutput, error)
	AbandonSession(ctx context.Context, learnerID, sessionID string) (domain.Session, error)
	GetSession(ctx context.Context, learnerID, sessionID string) (usecase.SessionView, error)
}

type Handler struct {
	svc     SimulationService
	locker  turnlock.Locker
	metrics *observe.Metrics
	origin  string
}

type Option func(*Handler)

// WithMetrics overrides the metrics sink. Defaults to the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAllowedOrigin sets the CORS allowed origin. Defaults to "*".
func WithAllowedOrigin(origin string) Option {
	return func(h *Handler) {
		if strings.TrimSpace(origin) != "" {
			h.origin = origin
		}
	}
}

func NewHandler(svc SimulationService, locker turnlock.Locker, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: simulation service must not be nil")
	}
	if locker == nil {
		return nil, errors.New("handler: turn locker must not be nil")
	}
	h := &Handler{svc: svc, locker: locker, origin: defaultOrigin}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h, nil
}

type route struct {
	method string
	path   string
	serve  func(h *Handler, ctx context.Context, learnerID string, req events.APIGatewayProxyRequest) (int, any, error)
	// failure is the message shown for server-side errors on this route.
	failure string
}

var routes = []route{
	{http.MethodPost, "/simulation/start", (*Handler).start, "Failed to start simulation"},
	{http.MethodPost, "/simulation/chat", (*Handler).chat, "Failed to process chat. Please try again."},
	{http.MethodPost, "/simulation/complete", (*Handler).complete, "Failed to complete simulation"},
	{http.MethodPost, "/simulation/abandon", (*Handler).abandon, "Failed to abandon simulation"},
	{http.MethodGet, "/simulation/session", (*Handler).session, "Failed to fetch session"},
}

// Handle serves one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	ctx, span := observe.StartSpan(ctx, "handler.Handle")
	defer span.End()

	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := observe.Logger(ctx).With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	if req.HTTPMethod == http.MethodOptions {
		return h.respond(correlationID, http.StatusOK, nil), nil
	}

	path := strings.TrimRight(req.Path, "/")
	var matched *route
	pathKnown := false
	for i := range routes {
		if routes[i].path != path {
			continue
		}
		pathKnown = true
		if routes[i].method == req.HTTPMethod {
			matched = &routes[i]
			break
		}
	}
	if matched == nil {
		if pathKnown {
			return h.respond(correlationID, http.StatusMethodNotAllowed, errorResponse{Error: errMethodNotAllowed, Message: "Method not allowed"}), nil
		}
		return h.respond(correlationID, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "Route not found"}), nil
	}

	learnerID := principalID(req)
	if learnerID == "" {
		return h.respond(correlationID, http.StatusUnauthorized, errorResponse{Error: errUnauthorized, Message: "Authentication required"}), nil
	}

	started := time.Now()
	status, body, err := matched.serve(h, ctx, learnerID, req)
	if err != nil {
		status, resp := toErrorResponse(err, matched.failure)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "learner_id", learnerID, "code", resp.Error, "err", err)
		} else {
			logger.Info("request rejected", "learner_id", learnerID, "code", resp.Error, "reason", resp.Reason)
		}
		return h.respond(correlationID, status, resp), nil
	}
	logger.Info("request served", "learner_id", learnerID, "status", status, "duration_ms", time.Since(started).Milliseconds())
	return h.respond(correlationID, status, body), nil
}

func (h *Handler) start(ctx context.Context, learnerID string, req events.APIGatewayProxyRequest) (int, any, error) {
	var in startRequest
	if err := decodeBody(req.Body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.svc.StartSession(ctx, usecase.StartInput{LearnerID: learnerID, ScenarioID: in.ScenarioID})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, startResponse{
		Session:            newSessionJSON(out.Session),
		Scenario:           newScenarioCard(out.Scenario),
		AbandonedSessionID: out.AbandonedSessionID,
	}, nil
}

// chat holds the session's turn lock for the whole turn so concurrent
// messages for one session are rejected instead of interleaved.
func (h *Handler) chat(ctx context.Context, learnerID string, req events.APIGatewayProxyRequest) (int, any, error) {
	var in chatRequest
	if err := decodeBody(req.Body, &in); err != nil {
		return 0, nil, err
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return 0, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_session_id"}
	}

	release, err := h.locker.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, turnlock.ErrLocked) {
			h.metrics.RecordTurnLockRejection(ctx)
			return 0, nil, usecase.NewTurnInProgressError(err)
		}
		return 0, nil, &usecase.Error{Code: usecase.ErrorInternal, Reason: "turn_lock_unavailable", Err: err}
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			observe.Logger(ctx).Warn("turn lock release failed", "session_id", sessionID, "err", err)
		}
	}()

	out, err := h.svc.SubmitTurn(ctx, usecase.TurnInput{LearnerID: learnerID, SessionID: sessionID, Message: in.Message})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newChatResponse(out), nil
}

func (h *Handler) complete(ctx context.Context, learnerID string, req events.APIGatewayProxyRequest) (int, any, error) {
	var in sessionRequest
	if err := decodeBody(req.Body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.svc.EndSession(ctx, usecase.EndInput{LearnerID: learnerID, SessionID: in.SessionID})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, completeResponse{
		Success:  true,
		Debrief:  out.Report,
		Session:  newSessionJSON(out.Session),
		Profile:  newProfileJSON(out.Profile),
		LastTurn: newProfileJSON(out.LastTurn),
	}, nil
}

func (h *Handler) abandon(ctx context.Context, learnerID string, req events.APIGatewayProxyRequest) (int, any, error) {
	var in sessionRequest
	if err := decodeBody(req.Body, &in); err != nil {
		return 0, nil, err
	}
	sess, err := h.svc.AbandonSession(ctx, learnerID, in.SessionID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, abandonResponse{Session: newSessionJSON(sess)}, nil
}

func (h *Handler) session(ctx context.Context, learnerID string, req events.APIGatewayProxyRequest) (int, any, error) {
	sessionID := req.QueryStringParameters["id"]
	if sessionID == "" {
		sessionID = req.QueryStringParameters["sessionId"]
	}
	if strings.TrimSpace(sessionID) == "" {
		return 0, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_session_id"}
	}
	view, err := h.svc.GetSession(ctx, learnerID, sessionID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newSessionViewResponse(view), nil
}

func (h *Handler) respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":                 "application/json",
		correlationHeader:              correlationID,
		"Access-Control-Allow-Origin":  h.origin,
		"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization, X-Correlation-Id",
	}
	if body == nil {
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("encode response failed", "correlation_id", correlationID, "err", err)
		raw = []byte(`{"error":"INTERNAL_ERROR","message":"Internal error"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(raw)}
}

func decodeBody(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

// principalID reads the learner id set by the API Gateway authorizer.
func principalID(req events.APIGatewayProxyRequest) string {
	v, ok := req.RequestContext.Authorizer["principalId"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var clientMessages = map[usecase.ErrorCode]string{
	usecase.ErrorInvalidInput:   "Invalid request",
	usecase.ErrorInvalidState:   "Session is not active",
	usecase.ErrorNotFound:       "Not found",
	usecase.ErrorForbidden:      "Not your session",
	usecase.ErrorConflict:       "Another session was started at the same time. Please retry.",
	usecase.ErrorRateLimited:    "Too many requests. Please retry shortly.",
	usecase.ErrorTurnInProgress: "A message is already being processed for this session",
}

func toErrorResponse(err error, failure string) (int, errorResponse) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: failure}
	}
	status := statusFor(uerr.Code)
	resp := errorResponse{Error: string(uerr.Code), Message: failure}
	if status < http.StatusInternalServerError {
		resp.Reason = uerr.Reason
		if msg, ok := clientMessages[uerr.Code]; ok {
			resp.Message = msg
		}
	}
	return status, resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorInvalidState, usecase.ErrorConflict, usecase.ErrorTurnInProgress:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
