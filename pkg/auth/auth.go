// Package auth maps each HTTP request to an identity: bearer token
// first, then authorized client IP, then anonymous. A bad credential
// never fails the request; it degrades to the next resolution step.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/identity"
	"github.com/quarrylabs/quarry/pkg/types"
)

// IdentityResolver is the slice of the identity store the resolver
// needs.
type IdentityResolver interface {
	ValidateToken(ctx context.Context, token string) (types.Identity, error)
	ResolveIP(ctx context.Context, ip string) (types.Identity, error)
}

// Resolver resolves request identities.
type Resolver struct {
	store  IdentityResolver
	logger zerolog.Logger
}

// NewResolver creates an auth resolver.
func NewResolver(store IdentityResolver, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve derives the identity behind a request. It never fails; the
// weakest outcome is an anonymous identity keyed by client IP.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) types.Identity {
	ip := ClientIP(req)

	if token, ok := BearerToken(req); ok {
		id, err := r.store.ValidateToken(ctx, token)
		if err == nil {
			id.IP = ip
			return id
		}
		switch {
		case errors.Is(err, identity.ErrInvalidFormat), errors.Is(err, identity.ErrNotFound):
			r.logger.Debug().Str("ip", ip).Msg("bearer token rejected, falling back to ip resolution")
		default:
			r.logger.Warn().Err(err).Str("ip", ip).Msg("token validation failed, falling back to ip resolution")
		}
	}

	if ip != "" {
		id, err := r.store.ResolveIP(ctx, ip)
		if err == nil {
			return id
		}
		if !errors.Is(err, identity.ErrNotFound) {
			r.logger.Warn().Err(err).Str("ip", ip).Msg("ip resolution failed, treating request as anonymous")
		}
	}

	return types.Identity{Anonymous: true, Plan: "anonymous", IP: ip}
}

// BearerToken extracts the bearer credential from the Authorization
// header, matching the scheme case-insensitively.
func BearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// ClientIP resolves the caller's address: CDN header first, then
// X-Forwarded-For (first element), then the direct peer.
func ClientIP(req *http.Request) string {
	if ip := strings.TrimSpace(req.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
