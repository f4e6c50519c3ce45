package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fakeServer(t *testing.T, serverType domain.ServerType) (*httptest.Server, *[]string) {
	t.Helper()
	var hits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		workers := 2
		writeJSON(w, http.StatusOK, domain.HealthResponse{Message: "Welcome to Marker API", Type: serverType, Workers: &workers})
	})
	mux.HandleFunc("/convert", func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		fh, _, err := r.FormFile("pdf_file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
			return
		}
		fh.Close()
		writeJSON(w, http.StatusOK, map[string]any{"status": "Success", "result": domain.ConversionResult{Filename: "a.pdf", Markdown: "# a", Status: domain.ItemOK}})
	})
	mux.HandleFunc("/celery/convert", func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"task_id": "t-1", "status": "Processing"})
	})
	mux.HandleFunc("/celery/result/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"task_id": "bad", "status": "Failed", "message": "conversion failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": "t-1", "status": "Success", "result": domain.ConversionResult{Filename: "a.pdf", Markdown: "# a"}})
	})
	mux.HandleFunc("/batch_convert", func(w http.ResponseWriter, r *http.Request) {
		if serverType == domain.ServerSimple {
			writeJSON(w, http.StatusOK, domain.NewBatchResult([]domain.ConversionResult{{Filename: "a.pdf", Status: domain.ItemOK}}))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": "b-1", "status": "Processing", "total": 2})
	})
	mux.HandleFunc("/admin/queues", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Token") != "tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, domain.QueueOverview{
			Queues:  map[domain.TaskKind]*domain.QueueStats{domain.KindBatch: {Kind: domain.KindBatch, Ready: 3, Delayed: 1}},
			Workers: 2,
			Backlog: 4,
		})
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/batch_convert/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"task_id": "b-1", "status": "Processing", "progress": "1/2", "percent": 0.5})
		_ = conn.WriteJSON(map[string]any{"task_id": "b-1", "status": "Success", "total": 2, "successful": 2})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func tempPDF(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "a.pdf")
	if err := os.WriteFile(p, []byte("%PDF-1.4\n%%EOF"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConvertPicksEndpointByServerType(t *testing.T) {
	srv, hits := fakeServer(t, domain.ServerSimple)
	c := New(srv.URL + "/")
	res, err := c.ConvertFile(context.Background(), tempPDF(t))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Status != domain.PollSuccess || res.Result == nil || res.Result.Markdown != "# a" {
		t.Fatalf("unexpected response %+v", res)
	}

	dsrv, dhits := fakeServer(t, domain.ServerDistributed)
	dc := New(dsrv.URL)
	res, err = dc.ConvertFile(context.Background(), tempPDF(t))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.TaskID != "t-1" {
		t.Fatalf("expected task id, got %+v", res)
	}
	if len(*hits) != 1 || (*hits)[0] != "/convert" || len(*dhits) != 1 || (*dhits)[0] != "/celery/convert" {
		t.Fatalf("unexpected endpoints simple=%v distributed=%v", *hits, *dhits)
	}
}

func TestResultRequiresDistributedServer(t *testing.T) {
	srv, _ := fakeServer(t, domain.ServerSimple)
	_, err := New(srv.URL).Result(context.Background(), "t-1")
	if !errors.Is(err, ErrNotDistributed) {
		t.Fatalf("expected ErrNotDistributed, got %v", err)
	}
}

func TestResultStatusError(t *testing.T) {
	srv, _ := fakeServer(t, domain.ServerDistributed)
	c := New(srv.URL)

	res, err := c.WaitResult(context.Background(), "t-1", time.Millisecond)
	if err != nil || res.Status != domain.PollSuccess {
		t.Fatalf("unexpected wait result %+v %v", res, err)
	}

	_, err = c.Result(context.Background(), "bad")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Message != "conversion failed" {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOverviewSendsAdminToken(t *testing.T) {
	srv, _ := fakeServer(t, domain.ServerDistributed)

	_, err := New(srv.URL).Overview(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	out, err := New(srv.URL, WithAdminToken("tok")).Overview(context.Background())
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if out.Backlog != 4 || out.Workers != 2 || out.Queues[domain.KindBatch].Ready != 3 {
		t.Fatalf("unexpected overview %+v", out)
	}
}

func TestBatchFilesDecodesBothModes(t *testing.T) {
	paths := []string{tempPDF(t), tempPDF(t)}

	dsrv, _ := fakeServer(t, domain.ServerDistributed)
	var prepared []int
	sub, err := New(dsrv.URL).BatchFiles(context.Background(), paths, func(done, total int) { prepared = append(prepared, done) })
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if sub.Queued == nil || sub.Queued.TaskID != "b-1" || sub.Queued.Total != 2 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if len(prepared) != 2 || prepared[1] != 2 {
		t.Fatalf("unexpected prepared callbacks %v", prepared)
	}

	ssrv, _ := fakeServer(t, domain.ServerSimple)
	sub, err = New(ssrv.URL).BatchFiles(context.Background(), paths, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if sub.Done == nil || sub.Done.Successful != 1 {
		t.Fatalf("expected finished batch, got %+v", sub)
	}
}

func TestWatchBatch(t *testing.T) {
	srv, _ := fakeServer(t, domain.ServerDistributed)
	var frames []string
	final, err := New(srv.URL).WatchBatch(context.Background(), "b-1", func(b *BatchResponse) {
		frames = append(frames, string(b.Status))
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if final.Status != domain.PollSuccess || final.Successful != 2 {
		t.Fatalf("unexpected final frame %+v", final)
	}
	if len(frames) != 2 || frames[0] != "Processing" {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestSaveResult(t *testing.T) {
	dir := t.TempDir()
	res := domain.ConversionResult{
		Filename: "report.pdf",
		Markdown: "# Report\n",
		Images:   map[string]string{"report_page1_img1.png": base64.StdEncoding.EncodeToString([]byte("png"))},
		Status:   domain.ItemOK,
	}
	if _, err := SaveResult(context.Background(), dir, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	md, err := os.ReadFile(filepath.Join(dir, "report", "report.md"))
	if err != nil || string(md) != "# Report\n" {
		t.Fatalf("markdown not saved: %q %v", md, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "report", "report_page1_img1.png")); err != nil {
		t.Fatalf("image not saved: %v", err)
	}
}
