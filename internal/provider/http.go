package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

//go:generate mockgen -package=provider_test -destination=mock_http_client_test.go -source=http.go HTTPClient

// HTTPClient is the transport seam used by every HTTP source.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// NewHTTPClient returns a client with pooled connections. Per-call deadlines
// come from the provider timeout, not the client.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: transport}
}

type requester struct {
	provider  string
	client    HTTPClient
	userAgent string
}

func newRequester(providerID string, client HTTPClient, userAgent string) requester {
	if client == nil {
		client = NewHTTPClient()
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return requester{provider: providerID, client: client, userAgent: userAgent}
}

func (r requester) get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) ([]byte, error) {
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newError(KindHTTP, r.provider, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", r.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTimeout, r.provider, err)
		}
		return nil, newError(KindHTTP, r.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTimeout, r.provider, err)
		}
		return nil, newError(KindHTTP, r.provider, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(r.provider, resp.StatusCode, body)
	}
	return body, nil
}

func httpStatusError(providerID string, status int, payload []byte) *Error {
	detail := strings.TrimSpace(string(payload))
	if len(detail) > 180 {
		detail = detail[:180]
	}
	return &Error{Kind: KindHTTP, Provider: providerID, Status: status, Detail: detail}
}
