package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/david/opportunity-sync/internal/config"
)

// TokenProvider supplies a bearer token for each upstream request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// tokenInvalidator is implemented by providers that can drop a token upstream
// has rejected.
type tokenInvalidator interface {
	Invalidate(rejected string)
}

// ErrPaginationLoop stops a walk whose next pointer revisits a page.
var ErrPaginationLoop = errors.New("upstream pagination revisited a page")

// Page is one decoded page of the opportunities collection.
type Page struct {
	Number    int
	URL       string
	Records   []RawOpportunity
	Malformed int // entries that were not JSON objects
	NextURL   string
}

type pageEnvelope struct {
	Results    []json.RawMessage `json:"results"`
	Pagination *struct {
		NextURL *string `json:"nextUrl"`
	} `json:"pagination"`
}

// Paginator walks the upstream opportunities collection one page at a time.
type Paginator struct {
	client    *http.Client
	endpoint  *url.URL
	pageLimit int
	tokens    TokenProvider
	limiter   *rate.Limiter
}

// NewPaginator builds a paginator for the configured endpoint. A nil client
// gets the default upstream client.
func NewPaginator(cfg config.Upstream, tokens TokenProvider, client *http.Client) (*Paginator, error) {
	if tokens == nil {
		return nil, errors.New("paginator needs a token provider")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + cfg.OpportunitiesPath)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", base.String())
	}
	if client == nil {
		client = NewHTTPClient(cfg.Timeout())
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}
	return &Paginator{
		client:    client,
		endpoint:  base,
		pageLimit: pageLimit,
		tokens:    tokens,
		limiter:   rate.NewLimiter(limit, 1),
	}, nil
}

// InitialURL returns the first page URL. A non-nil since restricts the walk to
// records updated at or after it.
func (p *Paginator) InitialURL(since *time.Time) string {
	u := *p.endpoint
	q := u.Query()
	q.Set("limit", strconv.Itoa(p.pageLimit))
	if since != nil {
		q.Set("filter[updatedAt]", since.UTC().Format(time.RFC3339)+"..")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchPage fetches and decodes a single page. The token is requested anew for
// every call so a refresh between pages is picked up.
func (p *Paginator) FetchPage(ctx context.Context, pageURL string) (Page, error) {
	page := Page{URL: pageURL}

	if err := p.limiter.Wait(ctx); err != nil {
		return page, err
	}
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return page, fmt.Errorf("failed to obtain access token: %w", err)
	}

	body, err := getJSON(ctx, p.client, pageURL, token)
	if err != nil {
		if inv, ok := p.tokens.(tokenInvalidator); ok && errors.Is(err, ErrReauthRequired) {
			inv.Invalidate(token)
		}
		return page, err
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return page, fmt.Errorf("failed to decode page %s: %w", pageURL, err)
	}

	page.Records = make([]RawOpportunity, 0, len(env.Results))
	for _, item := range env.Results {
		raw, ok := DecodeRecord(item)
		if !ok {
			page.Malformed++
			continue
		}
		page.Records = append(page.Records, raw)
	}

	if env.Pagination != nil && env.Pagination.NextURL != nil {
		if next := strings.TrimSpace(*env.Pagination.NextURL); next != "" {
			resolved, err := p.endpoint.Parse(next)
			if err != nil {
				return page, fmt.Errorf("invalid next page url %q: %w", next, err)
			}
			page.NextURL = resolved.String()
		}
	}
	return page, nil
}

// Pages lazily yields pages in upstream order until the next pointer is absent.
// The first error is yielded once and ends the sequence; pages already yielded
// stay valid.
func (p *Paginator) Pages(ctx context.Context, since *time.Time) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		next := p.InitialURL(since)
		seen := make(map[string]struct{})
		for n := 1; next != ""; n++ {
			if _, dup := seen[next]; dup {
				yield(Page{Number: n, URL: next}, fmt.Errorf("%w: %s", ErrPaginationLoop, next))
				return
			}
			seen[next] = struct{}{}

			page, err := p.FetchPage(ctx, next)
			page.Number = n
			if err != nil {
				log.Printf("[paginate] page %d failed: %v", n, err)
				yield(page, err)
				return
			}
			if !yield(page, nil) {
				return
			}
			next = page.NextURL
		}
	}
}
