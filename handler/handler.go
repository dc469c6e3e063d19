package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/integrations/whatsapp"
	"calendar-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	pathWebhook        = "/webhook"
	pathOAuthCallback  = "/oauth/google/callback"
	pathPing           = "/ping"
	defaultDrainBudget = 20 * time.Second
)

type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.InboundMessage) error
}

// Drainer waits for background work started while handling a request.
type Drainer interface {
	Drain(ctx context.Context) error
}

type CalendarConnector interface {
	Connect(ctx context.Context, state, code string) error
}

type Secrets interface {
	AppSecret(ctx context.Context) (string, error)
	VerifyToken(ctx context.Context) (string, error)
}

type Handler struct {
	dispatcher  Dispatcher
	drainer     Drainer
	calendar    CalendarConnector
	secrets     Secrets
	logger      *slog.Logger
	drainBudget time.Duration
}

type ackResponse struct {
	Status   string `json:"status"`
	Messages int    `json:"messages,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(d Dispatcher, drainer Drainer, calendar CalendarConnector, secrets Secrets, logger *slog.Logger) (*Handler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if drainer == nil {
		return nil, errors.New("handler: drainer must not be nil")
	}
	if calendar == nil {
		return nil, errors.New("handler: calendar connector must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("handler: secrets must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher:  d,
		drainer:     drainer,
		calendar:    calendar,
		secrets:     secrets,
		logger:      logger,
		drainBudget: defaultDrainBudget,
	}, nil
}

// Handle is the Lambda entry point. Background work is drained before the
// webhook is acknowledged because the runtime freezes after the response.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.handle(ctx, req, true), nil
}

func (h *Handler) handle(ctx context.Context, req events.APIGatewayProxyRequest, drain bool) events.APIGatewayProxyResponse {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", corrID)

	path := strings.TrimRight(req.Path, "/")
	var resp events.APIGatewayProxyResponse
	switch {
	case path == pathPing && req.HTTPMethod == http.MethodGet:
		resp = jsonResponse(http.StatusOK, ackResponse{Status: "ok"})
	case path == pathWebhook && req.HTTPMethod == http.MethodGet:
		resp = h.verifySubscription(ctx, req, logger)
	case path == pathWebhook && req.HTTPMethod == http.MethodPost:
		resp = h.receive(ctx, req, logger, drain)
	case path == pathOAuthCallback && req.HTTPMethod == http.MethodGet:
		resp = h.oauthCallback(ctx, req, logger)
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}
	resp.Headers[correlationHeader] = corrID
	return resp
}

func (h *Handler) verifySubscription(ctx context.Context, req events.APIGatewayProxyRequest, logger *slog.Logger) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	want, err := h.secrets.VerifyToken(ctx)
	if err != nil {
		logger.Error("verify token unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if q["hub.mode"] != "subscribe" || q["hub.verify_token"] != want {
		logger.Warn("webhook subscription rejected", "mode", q["hub.mode"])
		return jsonResponse(http.StatusForbidden, errorResponse{Error: "FORBIDDEN"})
	}
	return textResponse(http.StatusOK, "text/plain; charset=utf-8", q["hub.challenge"])
}

// receive always acknowledges a correctly signed delivery so the platform
// does not redeliver. Dispatch failures are logged.
func (h *Handler) receive(ctx context.Context, req events.APIGatewayProxyRequest, logger *slog.Logger, drain bool) events.APIGatewayProxyResponse {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid body encoding"})
		}
		body = decoded
	}

	secret, err := h.secrets.AppSecret(ctx)
	if err != nil {
		logger.Error("app secret unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if !whatsapp.VerifySignature(secret, body, headerValue(req.Headers, whatsapp.SignatureHeader)) {
		logger.Warn("webhook signature rejected")
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "INVALID_SIGNATURE"})
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		logger.Warn("webhook payload rejected", "err", err)
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid webhook payload"})
	}

	for _, msg := range msgs {
		if err := h.dispatcher.Dispatch(ctx, msg); err != nil {
			logger.Error("message not handled",
				"sender", string(msg.SenderID),
				"message_id", msg.MessageID,
				"code", string(usecase.CodeOf(err)),
				"err", err,
			)
		}
	}

	if drain {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.drainBudget)
		defer cancel()
		if err := h.drainer.Drain(drainCtx); err != nil {
			logger.Warn("background work still running at ack", "err", err)
		}
	}
	return jsonResponse(http.StatusOK, ackResponse{Status: "received", Messages: len(msgs)})
}

func (h *Handler) oauthCallback(ctx context.Context, req events.APIGatewayProxyRequest, logger *slog.Logger) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	if reason := q["error"]; reason != "" {
		logger.Info("calendar authorization declined", "reason", reason)
		return htmlResponse(http.StatusBadRequest, "Calendar access was not granted. Return to WhatsApp and send any message to try again.")
	}
	err := h.calendar.Connect(ctx, q["state"], q["code"])
	if err == nil {
		return htmlResponse(http.StatusOK, "Your calendar is connected. You can return to WhatsApp.")
	}

	code := usecase.CodeOf(err)
	logger.Error("calendar connection failed", "code", string(code), "err", err)
	if code == usecase.ErrorInvalidInput {
		return htmlResponse(http.StatusBadRequest, "This link has expired. Return to WhatsApp and send any message to get a new one.")
	}
	return htmlResponse(statusFor(code), "Something went wrong while connecting your calendar. Please try again.")
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return textResponse(status, "application/json", string(body))
}

func htmlResponse(status int, message string) events.APIGatewayProxyResponse {
	page := "<!doctype html><html><head><meta charset=\"utf-8\"><title>Calendar</title></head><body><p>" +
		htmlEscaper.Replace(message) + "</p></body></html>"
	return textResponse(status, "text/html; charset=utf-8", page)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;")

func textResponse(status int, contentType, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": contentType},
		Body:       body,
	}
}
