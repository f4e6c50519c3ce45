package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/markerq/internal/backoff"
	"github.com/osvaldoandrade/markerq/pkg/config"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
	"github.com/osvaldoandrade/markerq/pkg/persistence/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type upload struct {
	name        string
	contentType string
	data        []byte
}

func pdfUpload(name string) upload {
	return upload{name: name, contentType: "application/pdf", data: []byte("%PDF-1.4\n" + name + "\n%%EOF")}
}

// stubConverter fails payloads containing "corrupt".
type stubConverter struct{}

func (stubConverter) Convert(ctx context.Context, doc domain.Document) domain.ConversionResult {
	if bytes.Contains(doc.Data, []byte("corrupt")) {
		return domain.ConversionResult{Filename: doc.Filename, Images: map[string]string{}, Status: domain.ItemError, Error: "malformed pdf"}
	}
	return domain.ConversionResult{
		Filename: doc.Filename,
		Markdown: "# " + doc.Filename + "\n",
		Images:   map[string]string{},
		Metadata: domain.Metadata{Pages: 1, CustomMetadata: map[string]any{}},
		Status:   domain.ItemOK,
	}
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Mode = mode
	cfg.Env = "test"
	cfg.LogLevel = "error"
	cfg.Broker = "memory"
	cfg.AdminToken = "admin-token"
	cfg.WebhookHmacSecret = "secret"
	cfg.SyncWaitTimeoutSeconds = 5
	cfg.SyncPollIntervalMillis = 20
	cfg.ClaimPollMillis = 10
	cfg.BackoffPolicy = "fixed"
	cfg.BackoffBaseSeconds = 1
	cfg.BackoffMaxSeconds = 1
	return cfg
}

func newServer(t *testing.T, cfg *config.Config, opts ...ApplicationOption) (*Application, *httptest.Server) {
	t.Helper()
	opts = append([]ApplicationOption{WithConverter(stubConverter{})}, opts...)
	app, err := NewApplication(cfg, opts...)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	SetupMappings(app)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	server := httptest.NewServer(app.Engine)
	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = app.Close(context.Background())
	})
	return app, server
}

func newMemoryStore() *memory.Plugin {
	return memory.New(persistence.Options{
		Timezone:    time.UTC,
		Retry:       backoff.Policy{Name: backoff.PolicyFixed, BaseSeconds: 1, MaxSeconds: 1},
		MaxAttempts: 3,
	})
}

func postFiles(t *testing.T, url, field string, files ...upload) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+f.name+`"`)
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func getJSON(t *testing.T, url string, header ...string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	b, _ := io.ReadAll(r)
	out := map[string]any{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %q: %v", b, err)
		}
	}
	return out
}

func pollUntil(t *testing.T, url string, want int) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, body := getJSON(t, url)
		if code == want {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never returned %d", url, want)
	return nil
}

func TestSimpleModeConvert(t *testing.T) {
	cfg := testConfig(t, config.ModeSimple)
	cfg.OutputDir = t.TempDir()
	_, server := newServer(t, cfg)

	code, body := getJSON(t, server.URL+"/health")
	if code != http.StatusOK || body["type"] != "simple" {
		t.Fatalf("unexpected health %d %v", code, body)
	}
	if _, ok := body["workers"]; ok {
		t.Fatalf("simple health must not report workers: %v", body)
	}

	code, body = postFiles(t, server.URL+"/convert", "pdf_file", pdfUpload("paper.pdf"))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, body)
	}
	if body["status"] != "Success" {
		t.Fatalf("unexpected status %v", body)
	}
	result := body["result"].(map[string]any)
	if result["filename"] != "paper.pdf" || result["markdown"] != "# paper.pdf\n" {
		t.Fatalf("unexpected result %v", result)
	}
	if saved, _ := body["saved_to"].(string); !strings.Contains(saved, "paper") {
		t.Fatalf("expected saved_to folder, got %v", body["saved_to"])
	}

	code, body = postFiles(t, server.URL+"/convert", "pdf_file", upload{name: "notes.txt", contentType: "text/plain", data: []byte("hello")})
	if code != http.StatusUnsupportedMediaType || body["error"] != "Only PDF files are supported." {
		t.Fatalf("expected 415, got %d %v", code, body)
	}

	code, _ = postFiles(t, server.URL+"/convert", "other_field", pdfUpload("a.pdf"))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing pdf_file, got %d", code)
	}

	code, body = postFiles(t, server.URL+"/batch_convert", "pdf_files",
		pdfUpload("a.pdf"), upload{name: "b.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4 corrupt")}, pdfUpload("c.pdf"))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, body)
	}
	if body["total"] != float64(3) || body["successful"] != float64(2) || body["failed"] != float64(1) {
		t.Fatalf("unexpected batch counts %v", body)
	}
}

func TestDistributedQueuedFlow(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	cfg.EmbeddedWorkers = 1
	_, server := newServer(t, cfg, WithPersistence(newMemoryStore()))

	code, body := getJSON(t, server.URL+"/celery/live")
	if code != http.StatusOK || body["message"] == "" {
		t.Fatalf("unexpected live %d %v", code, body)
	}

	code, body = postFiles(t, server.URL+"/celery/convert", "pdf_file", pdfUpload("one.pdf"))
	if code != http.StatusOK || body["status"] != "Processing" {
		t.Fatalf("unexpected submit %d %v", code, body)
	}
	id := body["task_id"].(string)

	body = pollUntil(t, server.URL+"/celery/result/"+id, http.StatusOK)
	if body["status"] != "Success" || body["task_id"] != id {
		t.Fatalf("unexpected result %v", body)
	}
	first := body["result"].(map[string]any)
	if first["filename"] != "one.pdf" {
		t.Fatalf("unexpected result payload %v", first)
	}

	_, again := getJSON(t, server.URL+"/celery/result/"+id)
	if again["result"].(map[string]any)["markdown"] != first["markdown"] {
		t.Fatal("terminal polls must be identical")
	}

	code, body = postFiles(t, server.URL+"/convert", "pdf_file", pdfUpload("sync.pdf"))
	if code != http.StatusOK || body["status"] != "Success" {
		t.Fatalf("sync convert: %d %v", code, body)
	}

	code, body = getJSON(t, server.URL+"/health")
	if code != http.StatusOK || body["type"] != "distributed" || body["workers"] == nil {
		t.Fatalf("unexpected health %d %v", code, body)
	}
}

func TestDistributedBatchWithCorruptDocument(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	cfg.EmbeddedWorkers = 1
	_, server := newServer(t, cfg, WithPersistence(newMemoryStore()))

	code, body := postFiles(t, server.URL+"/batch_convert", "pdf_files",
		pdfUpload("doc1.pdf"),
		upload{name: "doc2.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4 corrupt")},
		pdfUpload("doc3.pdf"))
	if code != http.StatusOK || body["total"] != float64(3) {
		t.Fatalf("unexpected submit %d %v", code, body)
	}
	id := body["task_id"].(string)

	body = pollUntil(t, server.URL+"/batch_convert/result/"+id, http.StatusOK)
	if body["total"] != float64(3) || body["successful"] != float64(2) || body["failed"] != float64(1) {
		t.Fatalf("unexpected counts %v", body)
	}
	results := body["results"].([]any)
	for i, want := range []string{"doc1.pdf", "doc2.pdf", "doc3.pdf"} {
		if got := results[i].(map[string]any)["filename"]; got != want {
			t.Fatalf("result %d: expected %s, got %v", i, want, got)
		}
	}
	if results[1].(map[string]any)["status"] != "error" {
		t.Fatalf("expected doc2 to fail: %v", results[1])
	}
}

func TestBatchValidation(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	cfg.MaxBatchSize = 2
	_, server := newServer(t, cfg, WithPersistence(newMemoryStore()))

	code, _ := postFiles(t, server.URL+"/batch_convert", "pdf_files")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", code)
	}
	code, _ = postFiles(t, server.URL+"/batch_convert", "pdf_files", pdfUpload("a.pdf"), pdfUpload("b.pdf"), pdfUpload("c.pdf"))
	if code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized batch, got %d", code)
	}
}

func TestSyncWaitTimeoutKeepsTaskPollable(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	cfg.SyncWaitTimeoutSeconds = 1
	cfg.SyncPollIntervalMillis = 50
	store := newMemoryStore()
	app, server := newServer(t, cfg, WithPersistence(store))

	code, body := postFiles(t, server.URL+"/convert", "pdf_file", pdfUpload("slow.pdf"))
	if code != http.StatusRequestTimeout || body["status"] != "Timeout" {
		t.Fatalf("expected 408, got %d %v", code, body)
	}
	id := body["task_id"].(string)

	code, body = getJSON(t, server.URL+"/celery/result/"+id)
	if code != http.StatusAccepted || body["status"] != "Processing" {
		t.Fatalf("expected 202 processing, got %d %v", code, body)
	}

	worker := NewWorker(cfg, store, stubConverter{}, app.Callback, app.Logger, "late-worker")
	if claimed, err := worker.ProcessNext(context.Background(), "late-worker-0"); err != nil || !claimed {
		t.Fatalf("late worker: claimed=%v err=%v", claimed, err)
	}
	code, body = getJSON(t, server.URL+"/celery/result/"+id)
	if code != http.StatusOK || body["status"] != "Success" {
		t.Fatalf("expected later success, got %d %v", code, body)
	}
}

func TestAsyncConvertAndUnknownTask(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	_, server := newServer(t, cfg, WithPersistence(newMemoryStore()))

	code, body := postFiles(t, server.URL+"/convert?async=true", "pdf_file", pdfUpload("a.pdf"))
	if code != http.StatusAccepted || body["task_id"] == "" {
		t.Fatalf("expected 202, got %d %v", code, body)
	}

	code, body = getJSON(t, server.URL+"/batch_convert/result/never-submitted")
	if code != http.StatusAccepted || body["status"] != "Processing" {
		t.Fatalf("unknown ids report processing, got %d %v", code, body)
	}
}

func TestBatchProgressWebsocket(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	cfg.EmbeddedWorkers = 1
	_, server := newServer(t, cfg, WithPersistence(newMemoryStore()))

	_, body := postFiles(t, server.URL+"/batch_convert", "pdf_files", pdfUpload("a.pdf"), pdfUpload("b.pdf"))
	id := body["task_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/batch_convert/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last map[string]any
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read: %v", err)
		}
		last = msg
	}
	if last["status"] != "Success" || last["successful"] != float64(2) {
		t.Fatalf("expected final success view, got %v", last)
	}
}

func TestAdminRoutes(t *testing.T) {
	cfg := testConfig(t, config.ModeDistributed)
	_, server := newServer(t, cfg, WithPersistence(newMemoryStore()))
	postFiles(t, server.URL+"/celery/convert", "pdf_file", pdfUpload("a.pdf"))

	code, _ := getJSON(t, server.URL+"/admin/queues")
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	code, body := getJSON(t, server.URL+"/admin/queues", "X-Admin-Token", "admin-token")
	if code != http.StatusOK || body["backlog"] != float64(1) {
		t.Fatalf("unexpected overview %d %v", code, body)
	}
	code, body = getJSON(t, server.URL+"/admin/queues/single", "X-Admin-Token", "admin-token")
	if code != http.StatusOK || body["ready"] != float64(1) {
		t.Fatalf("unexpected stats %d %v", code, body)
	}
	code, _ = getJSON(t, server.URL+"/admin/queues/video", "X-Admin-Token", "admin-token")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", code)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/admin/tasks/cleanup?before=nope", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad cutoff, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, server.URL+"/admin/tasks/cleanup", strings.NewReader(`{"limit":10}`))
	req.Header.Set("X-Admin-Token", "admin-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from cleanup, got %d", resp.StatusCode)
	}
}

func TestRedisBrokerFlow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig(t, config.ModeDistributed)
	cfg.Broker = "redis"
	cfg.RedisURL = ""
	cfg.RedisAddr = mr.Addr()
	cfg.EmbeddedWorkers = 1
	app, server := newServer(t, cfg)
	if app.RedisClient == nil || app.RateLimiter == nil {
		t.Fatal("redis broker should wire the client and limiter")
	}

	_, body := postFiles(t, server.URL+"/celery/convert", "pdf_file", pdfUpload("redis.pdf"))
	id := body["task_id"].(string)
	body = pollUntil(t, server.URL+"/celery/result/"+id, http.StatusOK)
	if body["status"] != "Success" {
		t.Fatalf("unexpected result %v", body)
	}

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "marker_task_created_total") {
		t.Fatal("metrics should expose marker_task_created_total")
	}
}
