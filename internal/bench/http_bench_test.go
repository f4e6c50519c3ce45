package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/app"
	"github.com/osvaldoandrade/markerq/pkg/config"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

const benchWorker = "bench-worker"

var benchPDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF")

// echoConverter skips PDF parsing so the numbers reflect queue and HTTP overhead.
type echoConverter struct{}

func (echoConverter) Convert(ctx context.Context, doc domain.Document) domain.ConversionResult {
	return domain.ConversionResult{
		Filename: doc.Filename,
		Markdown: "# bench\n",
		Images:   map[string]string{},
		Metadata: domain.Metadata{CustomMetadata: map[string]any{}},
		Status:   domain.ItemOK,
	}
}

func newBenchApp(b *testing.B) (*app.Application, services.WorkerService) {
	b.Helper()
	gin.SetMode(gin.ReleaseMode)

	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("miniredis start: %v", err)
	}
	b.Cleanup(mr.Close)

	cfg := &config.Config{
		Mode:                   config.ModeDistributed,
		Broker:                 "redis",
		Env:                    "dev",
		Timezone:               "UTC",
		LogLevel:               "error",
		LogFormat:              "json",
		RedisAddr:              mr.Addr(),
		DefaultLeaseSeconds:    60,
		RequeueInspectLimit:    50,
		MaxAttemptsDefault:     5,
		BackoffPolicy:          "fixed",
		BackoffBaseSeconds:     1,
		BackoffMaxSeconds:      3,
		SyncWaitTimeoutSeconds: 5,
		SyncPollIntervalMillis: 10,
		MaxUploadMB:            10,
		MaxBatchSize:           50,
		WorkerConcurrency:      1,
		ClaimPollMillis:        10,
		WorkerLivenessSeconds:  30,

		// Benchmarks keep rate limiting disabled.
		RateLimit: config.RateLimitConfig{},
	}

	a, err := app.NewApplication(cfg, app.WithConverter(echoConverter{}))
	if err != nil {
		b.Fatalf("app init: %v", err)
	}
	app.SetupMappings(a)
	b.Cleanup(func() { _ = a.Close(context.Background()) })

	worker := app.NewWorker(cfg, a.Store, echoConverter{}, a.Callback, a.Logger, benchWorker)
	return a, worker
}

func uploadRequest(b *testing.B, path string) *http.Request {
	b.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="pdf_file"; filename="bench.pdf"`)
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	if err != nil {
		b.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(benchPDF)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(h http.Handler, req *http.Request) (int, []byte) {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func BenchmarkHTTP_SubmitProcessPoll(b *testing.B) {
	a, worker := newBenchApp(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		status, resp := do(a.Engine, uploadRequest(b, "/celery/convert"))
		if status != http.StatusOK {
			b.Fatalf("submit status %d body=%s", status, string(resp))
		}
		var submitted struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(resp, &submitted); err != nil || submitted.TaskID == "" {
			b.Fatalf("submit parse failed: err=%v body=%s", err, string(resp))
		}

		if ok, err := worker.ProcessNext(ctx, benchWorker+"-0"); err != nil || !ok {
			b.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
		}

		status, resp = do(a.Engine, httptest.NewRequest(http.MethodGet, "/celery/result/"+submitted.TaskID, nil))
		if status != http.StatusOK {
			b.Fatalf("result status %d body=%s", status, string(resp))
		}
	}
}

func BenchmarkDispatch_SubmitProcessPoll(b *testing.B) {
	a, worker := newBenchApp(b)
	ctx := context.Background()
	doc := domain.Document{Filename: "bench.pdf", ContentType: "application/pdf", Data: benchPDF}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		task, err := a.Dispatch.SubmitSingle(ctx, doc, services.SubmitOptions{})
		if err != nil {
			b.Fatalf("SubmitSingle: %v", err)
		}
		if ok, err := worker.ProcessNext(ctx, benchWorker+"-0"); err != nil || !ok {
			b.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
		}
		view, err := a.Status.Poll(ctx, task.ID)
		if err != nil || view.State != domain.PollSuccess {
			b.Fatalf("Poll: view=%+v err=%v", view, err)
		}
	}
}
