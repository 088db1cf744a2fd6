package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/identity"
	"github.com/quarrylabs/quarry/pkg/types"
)

type fakeIdentityStore struct {
	tokens map[string]types.Identity
	ips    map[string]types.Identity
	err    error
}

func (f *fakeIdentityStore) ValidateToken(ctx context.Context, token string) (types.Identity, error) {
	if f.err != nil {
		return types.Identity{}, f.err
	}
	if !identity.ValidTokenFormat(token) {
		return types.Identity{}, identity.ErrInvalidFormat
	}
	if id, ok := f.tokens[token]; ok {
		return id, nil
	}
	return types.Identity{}, identity.ErrNotFound
}

func (f *fakeIdentityStore) ResolveIP(ctx context.Context, ip string) (types.Identity, error) {
	if f.err != nil {
		return types.Identity{}, f.err
	}
	if id, ok := f.ips[ip]; ok {
		return id, nil
	}
	return types.Identity{}, identity.ErrNotFound
}

var validToken = "at_" + strings.Repeat("a", 32)

func TestResolve_Token(t *testing.T) {
	store := &fakeIdentityStore{
		tokens: map[string]types.Identity{
			validToken: {UserID: "u1", Plan: "pro", Token: validToken},
		},
	}
	r := NewResolver(store, zerolog.Nop())

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	req.RemoteAddr = "203.0.113.7:4444"

	id := r.Resolve(context.Background(), req)
	if id.Anonymous {
		t.Fatal("expected authenticated identity")
	}
	if id.UserID != "u1" {
		t.Errorf("expected user u1, got %s", id.UserID)
	}
	if id.IP != "203.0.113.7" {
		t.Errorf("expected peer IP recorded, got %q", id.IP)
	}
}

func TestResolve_BearerCaseInsensitive(t *testing.T) {
	store := &fakeIdentityStore{
		tokens: map[string]types.Identity{
			validToken: {UserID: "u1"},
		},
	}
	r := NewResolver(store, zerolog.Nop())

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "bearer "+validToken)

	id := r.Resolve(context.Background(), req)
	if id.Anonymous {
		t.Error("expected lowercase bearer scheme to be accepted")
	}
}

func TestResolve_BadTokenFallsThroughToIP(t *testing.T) {
	store := &fakeIdentityStore{
		ips: map[string]types.Identity{
			"198.51.100.9": {UserID: "u2", Token: "ip-based", IP: "198.51.100.9"},
		},
	}
	r := NewResolver(store, zerolog.Nop())

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	id := r.Resolve(context.Background(), req)
	if id.Anonymous {
		t.Fatal("expected ip-based identity after bad token")
	}
	if id.UserID != "u2" {
		t.Errorf("expected user u2, got %s", id.UserID)
	}
	if id.Token != "ip-based" {
		t.Errorf("expected synthetic ip-based token, got %q", id.Token)
	}
}

func TestResolve_Anonymous(t *testing.T) {
	r := NewResolver(&fakeIdentityStore{}, zerolog.Nop())

	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:4444"

	id := r.Resolve(context.Background(), req)
	if !id.Anonymous {
		t.Fatal("expected anonymous identity")
	}
	if id.IP != "203.0.113.7" {
		t.Errorf("expected IP recorded, got %q", id.IP)
	}
	if id.Key() != "ip:203.0.113.7" {
		t.Errorf("expected ip-keyed identity, got %q", id.Key())
	}
}

func TestResolve_StoreFailureDegradesToAnonymous(t *testing.T) {
	store := &fakeIdentityStore{err: errors.New("connection refused")}
	r := NewResolver(store, zerolog.Nop())

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	req.RemoteAddr = "203.0.113.7:4444"

	id := r.Resolve(context.Background(), req)
	if !id.Anonymous {
		t.Error("expected anonymous identity when the store is down")
	}
}

func TestClientIP_Priority(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	if got := ClientIP(req); got != "192.0.2.1" {
		t.Errorf("peer fallback: got %q", got)
	}

	req.Header.Set("X-Forwarded-For", " 198.51.100.9 , 10.0.0.1")
	if got := ClientIP(req); got != "198.51.100.9" {
		t.Errorf("forwarded-for first element: got %q", got)
	}

	req.Header.Set("CF-Connecting-IP", "203.0.113.50")
	if got := ClientIP(req); got != "203.0.113.50" {
		t.Errorf("CDN header wins: got %q", got)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"", "", false},
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
