package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultUserAgent = "marketdigest/1.0"

// FetchError reports a failed read from an upstream source.
type FetchError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream error (%d): %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream error: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func fetchErr(source string, err error) error {
	return &FetchError{Source: source, Err: err}
}

// ClientOptions are shared by every upstream client.
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	Tracer    trace.Tracer
}

type baseClient struct {
	source  string
	baseURL string
	client  *http.Client
	ua      string
	tracer  trace.Tracer
}

func newBaseClient(source, defaultBase string, opts ClientOptions) baseClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("marketdigest")
	}
	return baseClient{
		source:  source,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		ua:      ua,
		tracer:  tracer,
	}
}

// getJSON issues a GET and decodes a 200 response into out. Every failure is
// returned as a *FetchError.
func (c baseClient) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchErr(c.source, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fetchErr(c.source, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchErr(c.source, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return &FetchError{Source: c.source, StatusCode: resp.StatusCode, Err: parseHTTPError(payload)}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fetchErr(c.source, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type errorResponse struct {
	Error   any    `json:"error"`
	Message string `json:"message"`
	Status  struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return errors.New(apiErr.Status.ErrorMessage)
		}
		if apiErr.Message != "" {
			return errors.New(apiErr.Message)
		}
		if s, ok := apiErr.Error.(string); ok && s != "" {
			return errors.New(s)
		}
	}
	if body := strings.TrimSpace(string(payload)); body != "" {
		if len(body) > 200 {
			body = body[:200]
		}
		return errors.New(body)
	}
	return errors.New("empty response")
}
