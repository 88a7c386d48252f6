package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/livebridge/internal/observability"
	"github.com/jmylchreest/livebridge/internal/realtime"
)

// TokenIssuer mints viewer access tokens.
type TokenIssuer interface {
	ViewerToken(room, identity string) (string, error)
}

// ConnectHandler serves realtime room tokens.
type ConnectHandler struct {
	issuer TokenIssuer
	logger *slog.Logger
}

// NewConnectHandler creates a connect handler.
func NewConnectHandler(issuer TokenIssuer, logger *slog.Logger) *ConnectHandler {
	return &ConnectHandler{
		issuer: issuer,
		logger: observability.WithComponent(logger, "connect"),
	}
}

// Register registers the token route with the API.
func (h *ConnectHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "connect",
		Method:      "POST",
		Path:        "/connect",
		Summary:     "Issue a viewer token",
		Description: "Returns a short-lived, receive-only access token for a realtime room",
		Tags:        []string{"Realtime"},
	}, h.Connect)
}

// ConnectInput is the token request.
type ConnectInput struct {
	Body realtime.TokenRequest
}

// ConnectOutput is the token response.
type ConnectOutput struct {
	Body realtime.TokenResponse
}

// Connect issues a viewer token.
func (h *ConnectHandler) Connect(_ context.Context, input *ConnectInput) (*ConnectOutput, error) {
	if input.Body.RoomName == "" {
		return nil, huma.Error400BadRequest("roomName is required")
	}
	if input.Body.UserName == "" {
		return nil, huma.Error400BadRequest("userName is required")
	}

	token, err := h.issuer.ViewerToken(input.Body.RoomName, input.Body.UserName)
	if err != nil {
		if errors.Is(err, realtime.ErrIssuerNotConfigured) {
			return nil, huma.Error503ServiceUnavailable("realtime tokens are not configured")
		}
		h.logger.Error("issuing token",
			slog.String("room", input.Body.RoomName),
			slog.String("error", err.Error()),
		)
		return nil, huma.Error500InternalServerError("failed to issue token")
	}

	observability.TokensIssued.Inc()
	h.logger.Debug("issued viewer token",
		slog.String("room", input.Body.RoomName),
		slog.String("identity", input.Body.UserName),
	)
	return &ConnectOutput{Body: realtime.TokenResponse{Token: token}}, nil
}
