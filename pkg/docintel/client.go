// Package docintel is a client for a document-analysis HTTP API that accepts
// a document, returns an operation id, and reports progress on that operation.
package docintel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Operation statuses reported by the service.
const (
	StatusNotStarted = "notStarted"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Client defines the analyze API operations.
type Client interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error)
	GetOperation(ctx context.Context, id string) (*Operation, error)
}

// AnalyzeRequest is the body for POST /models/{model}/analyze.
type AnalyzeRequest struct {
	Model        string `json:"-"`
	Base64Source string `json:"base64Source"`
	FileName     string `json:"fileName,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	// Reference is echoed back by the service and used for idempotent
	// resubmission.
	Reference string `json:"reference,omitempty"`
}

// NewAnalyzeRequest encodes a document for submission.
func NewAnalyzeRequest(modelID, fileName, contentType, reference string, data []byte) AnalyzeRequest {
	return AnalyzeRequest{
		Model:        modelID,
		Base64Source: base64.StdEncoding.EncodeToString(data),
		FileName:     fileName,
		ContentType:  contentType,
		Reference:    reference,
	}
}

// AnalyzeResponse is the response from POST /models/{model}/analyze.
type AnalyzeResponse struct {
	OperationID string `json:"operationId"`
}

// Operation is the response from GET /operations/{id}.
type Operation struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	PagesProcessed int             `json:"pagesProcessed"`
	Fields         json.RawMessage `json:"fields,omitempty"`
	Error          *OperationError `json:"error,omitempty"`
}

// OperationError describes why an operation failed.
type OperationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *OperationError) String() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// APIError is returned when the service responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docintel: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	if req.Model == "" {
		return nil, eris.New("docintel: analyze: model is required")
	}
	var resp AnalyzeResponse
	if err := c.post(ctx, "/models/"+url.PathEscape(req.Model)+"/analyze", req, &resp); err != nil {
		return nil, eris.Wrapf(err, "docintel: analyze %s", req.FileName)
	}
	if resp.OperationID == "" {
		return nil, eris.New("docintel: analyze: response has no operation id")
	}
	return &resp, nil
}

func (c *httpClient) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := c.get(ctx, "/operations/"+url.PathEscape(id), &op); err != nil {
		return nil, eris.Wrapf(err, "docintel: get operation %s", id)
	}
	if op.ID == "" {
		op.ID = id
	}
	return &op, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	c.auth(req)

	return c.do(req, out)
}

func (c *httpClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
