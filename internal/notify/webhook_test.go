package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

func TestWebhookPostsAlert(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var got Alert

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := NewWebhook(server.URL, 1, testLogger())

	err := hook.Send(context.Background(), Alert{
		Title: "FileLoader StageCreateFailed: x.csv",
		Text:  "permission denied",
		Level: LevelError,
	})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}

	if !strings.HasPrefix(got.Title, "❌ ") {
		t.Errorf("title = %q, want emoji prefix", got.Title)
	}

	if got.Timestamp.IsZero() {
		t.Error("timestamp must be stamped")
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := NewWebhook(server.URL, 3, testLogger())

	if err := hook.Send(context.Background(), Alert{Title: "t", Level: LevelWarning}); err != nil {
		t.Fatalf("Send() = %v, want success after a retry", err)
	}

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	hook := NewWebhook(server.URL, 3, testLogger())

	err := hook.Send(context.Background(), Alert{Title: "t", Level: LevelError})
	if err == nil {
		t.Fatal("Send() = nil, want error on 403")
	}

	if pipeline.Transient(err) {
		t.Error("a 4xx response must not be classified transient")
	}

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retries on 4xx", calls.Load())
	}
}

func TestWebhookDisabledDropsSilently(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hook := NewWebhook("", 3, testLogger())

	if hook.Enabled() {
		t.Error("Enabled() = true for empty URL")
	}

	if err := hook.Send(context.Background(), Alert{Title: "t"}); err != nil {
		t.Errorf("Send() = %v, want nil when disabled", err)
	}
}
