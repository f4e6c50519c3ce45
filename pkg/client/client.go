// Package client talks to a markerq server in either mode.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/osvaldoandrade/markerq/internal/providers"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// ErrNotDistributed is returned by calls that only a distributed server serves.
var ErrNotDistributed = errors.New("only available on a distributed server")

// StatusError carries a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marker api: %d %s", e.Code, e.Message)
}

// ConvertResponse is the body of /convert and /celery/result.
type ConvertResponse struct {
	TaskID  string                   `json:"task_id,omitempty"`
	Status  domain.PollState         `json:"status"`
	Result  *domain.ConversionResult `json:"result,omitempty"`
	SavedTo string                   `json:"saved_to,omitempty"`
	Message string                   `json:"message,omitempty"`
}

// SubmitResponse acknowledges a queued task.
type SubmitResponse struct {
	TaskID string           `json:"task_id"`
	Status domain.PollState `json:"status"`
	Total  int              `json:"total,omitempty"`
}

// BatchResponse is the body of /batch_convert/result and of each websocket frame.
type BatchResponse struct {
	TaskID     string                    `json:"task_id,omitempty"`
	Status     domain.PollState          `json:"status"`
	Progress   string                    `json:"progress,omitempty"`
	Percent    float64                   `json:"percent,omitempty"`
	Results    []domain.ConversionResult `json:"results,omitempty"`
	Total      int                       `json:"total,omitempty"`
	Successful int                       `json:"successful,omitempty"`
	Failed     int                       `json:"failed,omitempty"`
	Message    string                    `json:"message,omitempty"`
}

// Terminal reports whether polling can stop.
func (b *BatchResponse) Terminal() bool {
	return b.Status != domain.PollProcessing && b.Status != ""
}

type Client struct {
	baseURL    string
	http       *http.Client
	logger     *slog.Logger
	adminToken string

	mu         sync.RWMutex
	serverType domain.ServerType
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAdminToken sends X-Admin-Token on every request.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Minute},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health calls /health and remembers the server type for endpoint selection.
func (c *Client) Health(ctx context.Context) (*domain.HealthResponse, error) {
	var out domain.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, "", &out); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.serverType = out.Type
	c.mu.Unlock()
	if out.Type == domain.ServerDistributed && out.Workers != nil {
		c.logger.Info("connected to distributed server", "workers", *out.Workers)
	} else {
		c.logger.Info("connected to server", "type", out.Type)
	}
	return &out, nil
}

// ServerType returns the type learned from the last health check.
func (c *Client) ServerType(ctx context.Context) (domain.ServerType, error) {
	c.mu.RLock()
	st := c.serverType
	c.mu.RUnlock()
	if st != "" {
		return st, nil
	}
	h, err := c.Health(ctx)
	if err != nil {
		return "", err
	}
	return h.Type, nil
}

// ConvertFile uploads one file. A simple server answers with the result; a
// distributed one returns a task id to poll with Result.
func (c *Client) ConvertFile(ctx context.Context, path string) (*ConvertResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Convert(ctx, filepath.Base(path), f)
}

func (c *Client) Convert(ctx context.Context, filename string, r io.Reader) (*ConvertResponse, error) {
	st, err := c.ServerType(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := "/celery/convert"
	if st == domain.ServerSimple {
		endpoint = "/convert"
	}
	body, contentType, err := multipartBody("pdf_file", []namedReader{{filename, r}})
	if err != nil {
		return nil, err
	}
	var out ConvertResponse
	if _, err := c.do(ctx, http.MethodPost, endpoint, body, contentType, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchFiles uploads every path to /batch_convert. prepared, when set, is
// called after each file is read.
func (c *Client) BatchFiles(ctx context.Context, paths []string, prepared func(done, total int)) (*BatchSubmission, error) {
	files := make([]namedReader, 0, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, namedReader{filepath.Base(p), bytes.NewReader(data)})
		if prepared != nil {
			prepared(i+1, len(paths))
		}
	}
	body, contentType, err := multipartBody("pdf_files", files)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, http.MethodPost, "/batch_convert", body, contentType, nil)
	if err != nil {
		return nil, err
	}
	return decodeBatchSubmission(raw)
}

// BatchSubmission is what /batch_convert returns: a queued task on a
// distributed server, the finished batch on a simple one.
type BatchSubmission struct {
	Queued *SubmitResponse
	Done   *BatchResponse
}

func decodeBatchSubmission(raw []byte) (*BatchSubmission, error) {
	var probe struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if probe.TaskID != "" {
		var q SubmitResponse
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return &BatchSubmission{Queued: &q}, nil
	}
	var done BatchResponse
	if err := json.Unmarshal(raw, &done); err != nil {
		return nil, err
	}
	return &BatchSubmission{Done: &done}, nil
}

// Result polls a single conversion task once.
func (c *Client) Result(ctx context.Context, taskID string) (*ConvertResponse, error) {
	if err := c.requireDistributed(ctx); err != nil {
		return nil, err
	}
	var out ConvertResponse
	if _, err := c.do(ctx, http.MethodGet, "/celery/result/"+url.PathEscape(taskID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchResult polls a batch task once.
func (c *Client) BatchResult(ctx context.Context, taskID string) (*BatchResponse, error) {
	if err := c.requireDistributed(ctx); err != nil {
		return nil, err
	}
	var out BatchResponse
	if _, err := c.do(ctx, http.MethodGet, "/batch_convert/result/"+url.PathEscape(taskID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitResult polls Result every interval until the task leaves Processing.
func (c *Client) WaitResult(ctx context.Context, taskID string, interval time.Duration) (*ConvertResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := c.Result(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if res.Status != domain.PollProcessing {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchBatch follows /batch_convert/ws/{id}, calling onUpdate for every frame,
// and returns the terminal view.
func (c *Client) WatchBatch(ctx context.Context, taskID string, onUpdate func(*BatchResponse)) (*BatchResponse, error) {
	u, err := url.Parse(c.baseURL + "/batch_convert/ws/" + url.PathEscape(taskID))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Code: resp.StatusCode, Message: "websocket upgrade refused"}
		}
		return nil, err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var last *BatchResponse
	for {
		var frame BatchResponse
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		last = &frame
		if onUpdate != nil {
			onUpdate(last)
		}
		if last.Terminal() {
			return last, nil
		}
	}
}

// QueueStats reads the depth of one queue. Needs WithAdminToken when the server has one.
func (c *Client) QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error) {
	var out domain.QueueStats
	if _, err := c.do(ctx, http.MethodGet, "/admin/queues/"+url.PathEscape(string(kind)), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview reads every queue's depth and the live worker count.
func (c *Client) Overview(ctx context.Context) (*domain.QueueOverview, error) {
	var out domain.QueueOverview
	if _, err := c.do(ctx, http.MethodGet, "/admin/queues", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveResult writes the markdown, images and metadata of res under dir and
// returns the folder.
func SaveResult(ctx context.Context, dir string, res domain.ConversionResult) (string, error) {
	return providers.SaveMarkdown(ctx, providers.NewDirStore(dir), res)
}

func (c *Client) requireDistributed(ctx context.Context) error {
	st, err := c.ServerType(ctx)
	if err != nil {
		return err
	}
	if st != domain.ServerDistributed {
		return ErrNotDistributed
	}
	return nil
}

type namedReader struct {
	name string
	r    io.Reader
}

func multipartBody(field string, files []namedReader) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.name))
		h.Set("Content-Type", "application/pdf")
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f.r); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return raw, nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
