package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Yowj/astvault/pkg/otelhelper"
)

// vaultAccount is the NATS account every authorized client lands in.
const vaultAccount = "VAULT"

// Browser sessions are re-authorized at least hourly even when the Keycloak
// token lives longer; service credentials last a day.
const (
	maxUserSession    = 1 * time.Hour
	maxServiceSession = 24 * time.Hour
)

var errRejected = errors.New("credentials rejected")

// grant is the outcome of authenticating one callout request.
type grant struct {
	user    string
	kind    string
	perms   jwt.Permissions
	expires int64
}

// AuthHandler answers $SYS.REQ.USER.AUTH, turning Keycloak tokens and
// service credentials into signed NATS user claims for the VAULT account.
type AuthHandler struct {
	issuerKP     nkeys.KeyPair
	xkeyKP       nkeys.KeyPair
	validator    *KeycloakValidator
	services     *ServiceDirectory
	authCounter  metric.Int64Counter
	authDuration metric.Float64Histogram
}

func NewAuthHandler(cfg Config, validator *KeycloakValidator, services *ServiceDirectory, meter metric.Meter) (*AuthHandler, error) {
	issuerKP, err := nkeys.FromSeed([]byte(cfg.IssuerSeed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer NKey seed: %w", err)
	}
	issuerPub, err := issuerKP.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get issuer public key: %w", err)
	}
	xkeyKP, err := nkeys.FromSeed([]byte(cfg.XKeySeed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse XKey seed: %w", err)
	}

	authCounter, _ := meter.Int64Counter("auth_requests_total")
	authDuration, _ := meter.Float64Histogram("auth_request_duration_seconds")

	slog.Info("Auth handler initialized", "issuer", issuerPub)

	return &AuthHandler{
		issuerKP:     issuerKP,
		xkeyKP:       xkeyKP,
		validator:    validator,
		services:     services,
		authCounter:  authCounter,
		authDuration: authDuration,
	}, nil
}

// Handle processes a single auth callout request message.
func (h *AuthHandler) Handle(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "auth callout")
	defer span.End()
	defer func() {
		h.authDuration.Record(ctx, time.Since(start).Seconds())
	}()

	req, err := h.decode(msg)
	if err != nil {
		slog.ErrorContext(ctx, "Undecodable auth request", "error", err)
		span.RecordError(err)
		h.finish(ctx, span, "error")
		return
	}

	opts := req.ConnectOptions
	slog.InfoContext(ctx, "Auth request",
		"client", req.ClientInformation.Name,
		"host", req.ClientInformation.Host,
		"user", opts.Username,
		"has_token", opts.Token != "",
	)

	g, err := h.authenticate(ctx, opts)
	if err != nil {
		slog.WarnContext(ctx, "Auth rejected",
			"client", req.ClientInformation.Name,
			"host", req.ClientInformation.Host,
			"error", err,
		)
		h.finish(ctx, span, "rejected")
		return
	}
	span.SetAttributes(
		attribute.String("auth.user", g.user),
		attribute.String("auth.type", g.kind),
	)

	payload, err := h.issue(req, g)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to issue user claims", "user", g.user, "error", err)
		span.RecordError(err)
		h.finish(ctx, span, "error")
		return
	}

	if err := msg.Respond(payload); err != nil {
		slog.ErrorContext(ctx, "Failed to send auth response", "error", err)
		span.RecordError(err)
		h.finish(ctx, span, "error")
		return
	}

	h.finish(ctx, span, "authorized")
	slog.InfoContext(ctx, "Authorized", "user", g.user, "type", g.kind, "nkey", req.UserNkey[:16]+"...")
}

func (h *AuthHandler) finish(ctx context.Context, span trace.Span, result string) {
	span.SetAttributes(attribute.String("auth.result", result))
	h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// decode decrypts the callout payload when the server sent it sealed and
// parses the authorization request claims.
func (h *AuthHandler) decode(msg *nats.Msg) (*jwt.AuthorizationRequestClaims, error) {
	data := msg.Data
	// A plaintext payload is a JWT and starts with the base64 of '{"'.
	if len(data) < 2 || data[0] != 'e' || data[1] != 'y' {
		serverXKey := msg.Header.Get("Nats-Server-Xkey")
		opened, err := h.xkeyKP.Open(data, serverXKey)
		if err != nil {
			return nil, fmt.Errorf("xkey decryption failed (serverXKey=%s): %w", serverXKey, err)
		}
		data = opened
	}
	return jwt.DecodeAuthorizationRequestClaims(string(data))
}

// authenticate resolves the connect options into a grant. Tokens identify
// browser sessions and carry the library role; username/password pairs are
// backend services from the directory.
func (h *AuthHandler) authenticate(ctx context.Context, opts jwt.ConnectOptions) (grant, error) {
	switch {
	case opts.Token != "":
		id, err := h.validator.Verify(opts.Token)
		if err != nil {
			return grant{}, fmt.Errorf("keycloak token: %w", err)
		}
		slog.InfoContext(ctx, "Token verified", "user", id.Username, "role", id.Role.String())
		return grant{
			user:    id.Username,
			kind:    "browser",
			perms:   grantFor(id.Role),
			expires: sessionExpiry(id.ExpiresAt, time.Now()),
		}, nil

	case opts.Username != "" && opts.Password != "":
		if !h.services.Verify(opts.Username, opts.Password) {
			return grant{}, fmt.Errorf("service %s: %w", opts.Username, errRejected)
		}
		return grant{
			user:    opts.Username,
			kind:    "service",
			perms:   serviceGrant(),
			expires: time.Now().Add(maxServiceSession).Unix(),
		}, nil

	default:
		return grant{}, errors.New("no credentials presented")
	}
}

// sessionExpiry clamps the NATS session to the token expiry, capped at
// maxUserSession from now.
func sessionExpiry(tokenExp, now time.Time) int64 {
	limit := now.Add(maxUserSession)
	if !tokenExp.IsZero() && tokenExp.Before(limit) {
		return tokenExp.Unix()
	}
	return limit.Unix()
}

// issue signs the user claims for the grant and wraps them in an
// authorization response addressed to the requesting server, sealed with the
// server's one-time XKey when it provided one.
func (h *AuthHandler) issue(req *jwt.AuthorizationRequestClaims, g grant) ([]byte, error) {
	userClaims := jwt.NewUserClaims(req.UserNkey)
	userClaims.Name = g.user
	userClaims.Audience = vaultAccount
	userClaims.BearerToken = true
	userClaims.Permissions = g.perms
	userClaims.Expires = g.expires

	userJWT, err := userClaims.Encode(h.issuerKP)
	if err != nil {
		return nil, fmt.Errorf("encode user claims: %w", err)
	}

	response := jwt.NewAuthorizationResponseClaims(req.UserNkey)
	response.Audience = req.Server.ID
	response.Jwt = userJWT
	responseJWT, err := response.Encode(h.issuerKP)
	if err != nil {
		return nil, fmt.Errorf("encode auth response: %w", err)
	}

	if req.Server.XKey == "" {
		return []byte(responseJWT), nil
	}
	sealed, err := h.xkeyKP.Seal([]byte(responseJWT), req.Server.XKey)
	if err != nil {
		return nil, fmt.Errorf("seal auth response: %w", err)
	}
	return sealed, nil
}
