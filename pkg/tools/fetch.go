package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/quarrylabs/quarry/pkg/corpus"
	"github.com/quarrylabs/quarry/pkg/telemetry"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Fetch runs the fetch tool: validate and normalize the URL, rate-limit,
// look up the stored page, render.
func (e *Executor) Fetch(ctx context.Context, req mcp.CallToolRequest, id types.Identity) (*mcp.CallToolResult, error) {
	start := time.Now()

	raw, err := req.RequireString("url")
	if err != nil {
		return nil, invalidParams("url is required and must be a string")
	}

	normalized, err := NormalizeURL(raw)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordToolCall("fetch", "invalid_url", time.Since(start))
		}
		e.logFetch(id, raw, "", 0, time.Since(start), 400, "invalid_url")
		return nil, invalidParams("invalid url: %s", err.Error())
	}

	if e.limiter != nil {
		decision, err := e.limiter.Check(ctx, id)
		if err == nil && !decision.Allowed {
			if e.metrics != nil {
				e.metrics.RecordRateLimitDenial(decision.LimitType)
				e.metrics.RecordToolCall("fetch", "rate_limited", time.Since(start))
			}
			e.logFetch(id, raw, normalized, 0, time.Since(start), 429, "rate_limited")
			if e.cfg.SurfaceRateLimitAsError {
				return nil, &ProtocolError{Code: CodeRateLimited, Message: decision.Message()}
			}
			return mcp.NewToolResultText(decision.Message()), nil
		}
	}

	fetchCtx, span := e.tracer.StartPageFetch(ctx, normalized)
	defer span.End()

	page, err := e.pages.PageByURL(fetchCtx, normalized)
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, corpus.ErrNotFound) {
			if e.metrics != nil {
				e.metrics.RecordToolCall("fetch", "not_found", time.Since(start))
			}
			e.logFetch(id, raw, normalized, 0, time.Since(start), 404, "not_found")
			return nil, invalidParams("no stored page for url %q", normalized)
		}
		e.logger.Error().Err(err).Str("url", normalized).Msg("page fetch failed")
		if e.metrics != nil {
			e.metrics.RecordToolCall("fetch", "error", time.Since(start))
		}
		e.logFetch(id, raw, normalized, 0, time.Since(start), 500, "internal_error")
		return nil, internalError("Fetch failed")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n\n", page.URL)
	b.WriteString(page.Content)
	if id.Anonymous {
		b.WriteString("\n\nYou are fetching anonymously. Use an API token for higher rate limits.\n")
	}

	if e.metrics != nil {
		e.metrics.RecordToolCall("fetch", "ok", time.Since(start))
	}
	e.logFetch(id, raw, page.URL, page.ID, time.Since(start), 200, "")

	return mcp.NewToolResultText(b.String()), nil
}

func (e *Executor) logFetch(id types.Identity, requested, actual string, pageID int64, elapsed time.Duration, status int, errCode string) {
	if e.usage == nil {
		return
	}
	e.usage.LogFetch(types.FetchLogEntry{
		Identity:     id,
		RequestedURL: truncate(requested, 500),
		ActualURL:    actual,
		PageID:       pageID,
		Latency:      elapsed,
		Status:       status,
		ErrorCode:    errCode,
	})
}

// youtubeHosts are the hosts whose query strings carry the video id and
// must survive normalization.
var youtubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
}

// NormalizeURL validates a fetch URL and rewrites it to the canonical
// form pages are stored under. It rejects malformed inputs outright
// rather than guessing: concatenated schemes, repeated documentation
// path segments, and a host repeated inside its own path are all signs
// of a mangled link.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url must not be empty")
	}
	if strings.ContainsRune(raw, '\uFEFF') {
		return "", errors.New("url contains a byte order mark")
	}
	if len(raw) > maxURLLen {
		return "", fmt.Errorf("url exceeds the maximum length of %d characters", maxURLLen)
	}
	if strings.Count(raw, "://") > 1 {
		return "", errors.New("url contains more than one scheme")
	}
	if strings.Count(strings.ToLower(raw), "/documentation/") > 1 {
		return "", errors.New("url repeats the documentation path segment")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("unparseable url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	host := u.Hostname()
	if host != "" && strings.Contains(strings.ToLower(u.Path), host) {
		return "", errors.New("url repeats its own domain in the path")
	}

	// Short YouTube links resolve to the canonical watch URL.
	if host == "youtu.be" {
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return "", errors.New("youtu.be link has no video id")
		}
		return "https://www.youtube.com/watch?v=" + id, nil
	}

	if !youtubeHosts[host] {
		u.RawQuery = ""
	}

	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}

	return u.String(), nil
}
