package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"intake/internal/domain"
	"intake/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	DefaultAPIBase = "https://api.servicefusion.com/v1"

	maxErrorBody = 2048
)

// TokenSource supplies bearer tokens for CRM calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RequestOptions are the optional parts of a CRM call. Nil query values are
// skipped.
type RequestOptions struct {
	Query  map[string]any
	JSON   any
	Header http.Header
}

// Client performs authenticated calls against the CRM REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zerolog.Logger
}

type ClientOption func(*Client)

func WithClientHTTP(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	nop := zerolog.Nop()
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes one CRM call and decodes a successful response into out. out
// may be nil, a *string or *[]byte for raw bodies, or any JSON target.
func (c *Client) Do(ctx context.Context, method, path string, opts RequestOptions, out any) error {
	target, err := c.resolve(path, opts.Query)
	if err != nil {
		return err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("crm %s %s: %w", method, path, err)
	}

	var body io.Reader
	if opts.JSON != nil {
		raw, err := json.Marshal(opts.JSON)
		if err != nil {
			return fmt.Errorf("encode crm request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build crm request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveCRM(method, 0, time.Since(started))
		return fmt.Errorf("%w: crm %s %s: %v", domain.ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()
	metrics.ObserveCRM(method, resp.StatusCode, time.Since(started))

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read crm response: %v", domain.ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := &domain.UpstreamError{
			Service:    "crm",
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       errorExcerpt(resp.Header.Get("Content-Type"), payload),
		}
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("body", upErr.Body).
			Msg("CRM request failed")
		return upErr
	}

	return decodeSuccess(resp, payload, out)
}

func (c *Client) resolve(path string, query map[string]any) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		raw = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("crm url %q: %w", raw, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			if v == nil {
				continue
			}
			q.Add(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func errorExcerpt(contentType string, body []byte) string {
	text := string(bytes.TrimSpace(body))
	if isJSON(contentType) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err == nil {
			text = compact.String()
		}
	}
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	return text
}

func decodeSuccess(resp *http.Response, payload []byte, out any) error {
	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	switch dst := out.(type) {
	case *string:
		*dst = string(payload)
		return nil
	case *[]byte:
		*dst = append((*dst)[:0], payload...)
		return nil
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return domain.ContractViolation("crm returned %q where JSON was expected", resp.Header.Get("Content-Type"))
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return domain.ContractViolation("decode crm response: %v", err)
	}
	return nil
}
