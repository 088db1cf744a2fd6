package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/quarrylabs/quarry/pkg/types"
)

var resultSeparator = strings.Repeat("─", 80)

// Search runs the search tool: validate, rate-limit, retrieve, render.
func (e *Executor) Search(ctx context.Context, req mcp.CallToolRequest, id types.Identity) (*mcp.CallToolResult, error) {
	start := time.Now()

	query, err := req.RequireString("query")
	if err != nil {
		return nil, invalidParams("query is required and must be a string")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidParams("query must not be empty")
	}
	if len(query) > maxQueryLen {
		return nil, invalidParams("query exceeds the maximum length of %d characters", maxQueryLen)
	}

	requested := req.GetInt("result_count", e.cfg.DefaultResultCount)
	count := requested
	if count < 1 {
		count = 1
	}
	if count > e.cfg.MaxResults {
		count = e.cfg.MaxResults
	}
	clamped := count != requested

	if e.limiter != nil {
		decision, err := e.limiter.Check(ctx, id)
		if err == nil && !decision.Allowed {
			if e.metrics != nil {
				e.metrics.RecordRateLimitDenial(decision.LimitType)
				e.metrics.RecordToolCall("search", "rate_limited", time.Since(start))
			}
			e.logSearch(id, query, 0, time.Since(start), 429, "rate_limited")
			if e.cfg.SurfaceRateLimitAsError {
				return nil, &ProtocolError{Code: CodeRateLimited, Message: decision.Message()}
			}
			return mcp.NewToolResultText(decision.Message()), nil
		}
	}

	reportProgress(ctx, 1, 3, "searching corpus")

	out, err := e.searcher.Search(ctx, query, count)
	if err != nil {
		e.logger.Error().Err(err).Str("query", truncate(query, 200)).Msg("search failed")
		if e.metrics != nil {
			e.metrics.RecordToolCall("search", "error", time.Since(start))
		}
		e.logSearch(id, query, 0, time.Since(start), 500, "internal_error")
		return nil, internalError("Search failed")
	}

	reportProgress(ctx, 2, 3, "ranking complete")

	text := e.renderSearch(query, out, id, requested, clamped)
	reportProgress(ctx, 3, 3, "done")

	if e.metrics != nil {
		e.metrics.RecordToolCall("search", "ok", time.Since(start))
	}
	e.logSearch(id, query, len(out.Results), time.Since(start), 200, "")

	return mcp.NewToolResultText(text), nil
}

// renderSearch produces the tool's text payload: ranked results divided
// by separator rules, additional URLs, and identity-dependent footers.
func (e *Executor) renderSearch(query string, out *types.SearchOutput, id types.Identity, requested int, clamped bool) string {
	var b strings.Builder

	if len(out.Results) == 0 {
		fmt.Fprintf(&b, "No results found for %q.\n", query)
	}

	totalChars := 0
	for i, r := range out.Results {
		if i > 0 {
			b.WriteString(resultSeparator)
			b.WriteString("\n")
		}
		title := r.Context
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, title, r.Content)
		if r.Merged() {
			fmt.Fprintf(&b, "This result combines %d documents. Complete content for each is available via fetch(url: %q).\n", len(r.MergedFrom), r.URL)
		}
		totalChars += len(r.Content)
	}

	if len(out.AdditionalURLs) > 0 {
		b.WriteString(resultSeparator)
		b.WriteString("\n")
		b.WriteString("Additional relevant URLs (use fetch for full content):\n")
		for _, u := range out.AdditionalURLs {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}

	fmt.Fprintf(&b, "\n(%d results, %d characters)\n", len(out.Results), totalChars)

	if clamped {
		fmt.Fprintf(&b, "\nNote: result_count %d was adjusted; the accepted range is 1 to %d.\n", requested, e.cfg.AdvertisedMaxResults)
	}

	if id.Anonymous {
		b.WriteString("\nYou are searching anonymously. Use an API token for higher rate limits.\n")
	}

	return b.String()
}

func (e *Executor) logSearch(id types.Identity, query string, results int, elapsed time.Duration, status int, errCode string) {
	if e.usage == nil {
		return
	}
	e.usage.LogSearch(types.SearchLogEntry{
		Identity:    id,
		Query:       truncate(query, 1000),
		ResultCount: results,
		Latency:     elapsed,
		Status:      status,
		ErrorCode:   errCode,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
