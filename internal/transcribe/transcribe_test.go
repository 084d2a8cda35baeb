package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

func TestOpenAITranscriberTranscribe(t *testing.T) {
	t.Parallel()

	var gotPath, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  hello from voice \n"))
	}))
	defer srv.Close()

	config := openai.DefaultConfig("test-key")
	config.BaseURL = srv.URL + "/v1"
	tr := NewOpenAITranscriberWithConfig(config, "", zap.NewNop())

	text, err := tr.Transcribe(context.Background(), "voice.ogg", strings.NewReader("OggS"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "hello from voice" {
		t.Fatalf("text mismatch: got %q", text)
	}
	if gotPath != "/v1/audio/transcriptions" {
		t.Fatalf("path mismatch: got %q", gotPath)
	}
	if gotModel != openai.Whisper1 {
		t.Fatalf("model mismatch: got %q want %q", gotModel, openai.Whisper1)
	}
}

func TestOpenAITranscriberError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	config := openai.DefaultConfig("bad")
	config.BaseURL = srv.URL + "/v1"
	tr := NewOpenAITranscriberWithConfig(config, openai.Whisper1, zap.NewNop())

	if _, err := tr.Transcribe(context.Background(), "voice.ogg", strings.NewReader("x")); err == nil {
		t.Fatalf("Transcribe() expected error")
	}
}
