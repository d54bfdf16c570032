// Package lookup implements the context collaborators consulted for each
// alert: a weather service and JSON feeds for events, news and social posts.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// ErrUnavailable marks a collaborator that answered but could not serve the request.
var ErrUnavailable = errors.New("lookup: collaborator unavailable")

// Request describes the alert being enriched.
type Request struct {
	Key     domain.CorrelationKey
	Segment domain.Segment
	Factors []string
}

// Provider resolves one context dimension.
type Provider interface {
	Dimension() domain.Dimension
	Lookup(ctx context.Context, req Request) (domain.ContextFragment, error)
}

// HTTPOptions are shared by the HTTP providers.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
	now           func() time.Time
}

type httpBase struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func newHTTPBase(opts HTTPOptions) httpBase {
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	var lim *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return httpBase{opts: opts, client: client, limiter: lim, now: now}
}

// get issues a GET and returns the body. Non-2xx responses wrap ErrUnavailable.
func (b httpBase) get(ctx context.Context, url string) ([]byte, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: rate limited: %v", ErrUnavailable, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("lookup: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return body, nil
}

// Func adapts a function to Provider.
type Func struct {
	Dim domain.Dimension
	F   func(ctx context.Context, req Request) (domain.ContextFragment, error)
}

func (f Func) Dimension() domain.Dimension { return f.Dim }

func (f Func) Lookup(ctx context.Context, req Request) (domain.ContextFragment, error) {
	return f.F(ctx, req)
}
