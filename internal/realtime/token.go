package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/pkg/httpclient"
)

// ErrIssuerNotConfigured is returned when minting tokens without API credentials.
var ErrIssuerNotConfigured = errors.New("realtime api key and secret are not configured")

// TokenSource obtains a short-lived room access token.
type TokenSource interface {
	Token(ctx context.Context, roomName, identity string) (string, error)
}

// TokenRequest is the body of POST /connect.
type TokenRequest struct {
	RoomName string `json:"roomName"`
	UserName string `json:"userName"`
}

// TokenResponse is the reply of POST /connect.
type TokenResponse struct {
	Token string `json:"token"`
}

// HTTPTokenSource requests tokens from a token service over HTTP.
type HTTPTokenSource struct {
	endpoint string
	client   *httpclient.Client
}

// NewHTTPTokenSource creates a token source for the service at baseURL.
// The connection manager owns retries, so the client does not retry.
func NewHTTPTokenSource(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPTokenSource {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.RetryAttempts = 0
	cfg.Logger = logger

	return &HTTPTokenSource{
		endpoint: strings.TrimRight(baseURL, "/") + "/connect",
		client:   httpclient.New(cfg),
	}
}

// Token implements TokenSource.
func (s *HTTPTokenSource) Token(ctx context.Context, roomName, identity string) (string, error) {
	var resp TokenResponse
	err := s.client.PostJSON(ctx, s.endpoint, TokenRequest{RoomName: roomName, UserName: identity}, &resp)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	if resp.Token == "" {
		return "", NewConnectError(CodeTokenInvalid, errors.New("token service returned an empty token"))
	}
	return resp.Token, nil
}

// TokenExpiry reads the expiry of a JWT without verifying its signature.
// ok is false when the token carries no exp claim.
func TokenExpiry(token string) (expiry time.Time, ok bool, err error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("parsing token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, false, nil
	}
	return exp.Time, true, nil
}

// checkToken rejects tokens that cannot be parsed or have already expired.
func checkToken(token string, now time.Time) error {
	expiry, ok, err := TokenExpiry(token)
	if err != nil {
		return NewConnectError(CodeTokenInvalid, err)
	}
	if ok && !now.Before(expiry) {
		return NewConnectError(CodeTokenExpired, fmt.Errorf("token expired at %s", expiry.UTC().Format(time.RFC3339)))
	}
	return nil
}

// Issuer mints receive-only viewer tokens with the LiveKit API credentials.
type Issuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewIssuer creates an issuer from the realtime configuration.
func NewIssuer(cfg config.RealtimeConfig) *Issuer {
	return &Issuer{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		ttl:       cfg.TokenTTL,
	}
}

// Configured reports whether the issuer has credentials.
func (i *Issuer) Configured() bool {
	return i.apiKey != "" && i.apiSecret != ""
}

// ViewerToken mints a token that may join room as identity and subscribe,
// but never publish audio, video or data.
func (i *Issuer) ViewerToken(room, identity string) (string, error) {
	if !i.Configured() {
		return "", ErrIssuerNotConfigured
	}
	if room == "" || identity == "" {
		return "", errors.New("room and identity are required")
	}

	canPublish := false
	canSubscribe := true
	canPublishData := false

	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	at := auth.NewAccessToken(i.apiKey, i.apiSecret)
	at.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(i.ttl)

	return at.ToJWT()
}

// Token implements TokenSource by minting locally.
func (i *Issuer) Token(_ context.Context, roomName, identity string) (string, error) {
	token, err := i.ViewerToken(roomName, identity)
	if err != nil {
		return "", NewConnectError(CodeTokenInvalid, err)
	}
	return token, nil
}
