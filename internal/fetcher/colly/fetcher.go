// Package collyfetcher implements iiif.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/openglam/iiif-harvest/internal/iiif"
	"github.com/openglam/iiif-harvest/internal/metrics"
)

const acceptHeader = "application/json, application/ld+json;q=0.9"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher retrieves IIIF documents via a Colly collector. Each Fetch clones
// the base collector so requests never share callback state.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	// Statuses are classified here, not by Colly's error hook.
	base.ParseHTTPErrorResponse = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: base,
		logger:        logger,
	}
}

type fetchResult struct {
	resp iiif.FetchResponse
	err  error
}

// Fetch executes a single GET, honoring the request's conditional headers.
// A 304 answer yields NotModified=true with an empty body. All failures are
// returned as *iiif.FetchError so the retry policy can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request iiif.FetchRequest) (iiif.FetchResponse, error) {
	metrics.FetchStarted()
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		if request.IfNoneMatch != "" {
			r.Headers.Set("If-None-Match", request.IfNoneMatch)
		}
		if request.IfModifiedSince != "" {
			r.Headers.Set("If-Modified-Since", request.IfModifiedSince)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		resp := iiif.FetchResponse{
			URI:        request.URI,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		switch {
		case r.StatusCode == http.StatusNotModified:
			resp.NotModified = true
			resp.Body = nil
			send(fetchResult{resp: resp})
		case r.StatusCode >= 400:
			send(fetchResult{err: classifyStatus(request.URI, r.StatusCode)})
		default:
			send(fetchResult{resp: resp})
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		send(fetchResult{err: classifyError(request.URI, status, err)})
	})

	go func() {
		if err := collector.Visit(request.URI); err != nil {
			send(fetchResult{err: classifyError(request.URI, 0, err)})
		}
	}()

	select {
	case <-ctx.Done():
		metrics.FetchFinished("other", time.Since(start))
		return iiif.FetchResponse{}, &iiif.FetchError{
			URI:   request.URI,
			Class: iiif.FailureTransient,
			Err:   ctx.Err(),
		}
	case res := <-resultCh:
		metrics.FetchFinished(statusLabel(res), time.Since(start))
		if res.err != nil {
			f.logger.Debug("fetch failed",
				zap.String("uri", request.URI),
				zap.Error(res.err),
			)
		}
		return res.resp, res.err
	}
}

func statusLabel(res fetchResult) string {
	if res.err != nil {
		var fe *iiif.FetchError
		if errors.As(res.err, &fe) && fe.StatusCode > 0 {
			return metrics.StatusClass(fe.StatusCode)
		}
		return "other"
	}
	return metrics.StatusClass(res.resp.StatusCode)
}

// classifyStatus maps an HTTP status to the failure taxonomy: 5xx and 429
// are transient, everything else in the error range is permanent.
func classifyStatus(uri string, code int) *iiif.FetchError {
	class := iiif.FailurePermanent
	if code >= 500 || code == http.StatusTooManyRequests {
		class = iiif.FailureTransient
	}
	return &iiif.FetchError{
		URI:        uri,
		StatusCode: code,
		Class:      class,
		Err:        fmt.Errorf("unexpected status %d", code),
	}
}

// classifyError maps transport-level failures. Timeouts, resets and other
// connection errors are transient; malformed URIs and collector refusals
// are permanent.
func classifyError(uri string, status int, err error) *iiif.FetchError {
	if status >= 400 {
		fe := classifyStatus(uri, status)
		fe.Err = err
		return fe
	}

	// Parse failures and collector refusals stay permanent; anything that
	// made it onto the wire is worth retrying.
	class := iiif.FailurePermanent
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = iiif.FailureTransient
	case errors.As(err, &netErr) && netErr.Timeout():
		class = iiif.FailureTransient
	case errors.As(err, &opErr):
		class = iiif.FailureTransient
	}

	return &iiif.FetchError{
		URI:   uri,
		Class: class,
		Err:   err,
	}
}
