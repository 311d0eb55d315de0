package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/companion/internal/audio"
)

func drain(t *testing.T, s Stream) []Chunk {
	t.Helper()
	defer s.Close()
	var out []Chunk
	for {
		c, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, c)
	}
}

func joinText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Kind == ChunkText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func TestLineStreamSSE(t *testing.T) {
	body := io.NopCloser(strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"event: message",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
		"data: {\"delta\":\"ignored\"}",
	}, "\n")))

	chunks := drain(t, newLineStream(body, true, false, 24000))
	if got := joinText(chunks); got != "Hello" {
		t.Fatalf("text = %q, want %q", got, "Hello")
	}
}

func TestLineStreamNDJSON(t *testing.T) {
	pcm := audio.Float32ToPCM16LE([]float32{0, 0.5, -0.5})
	body := io.NopCloser(strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"{\"type\":\"audio\",\"audio\":\"" + base64.StdEncoding.EncodeToString(pcm) + "\",\"sample_rate\":16000}",
		"[DONE]",
	}, "\n")))

	chunks := drain(t, newLineStream(body, false, false, 24000))
	if got := joinText(chunks); got != "Hi there" {
		t.Fatalf("text = %q, want %q", got, "Hi there")
	}
	last := chunks[len(chunks)-1]
	if last.Kind != ChunkAudio || len(last.Audio) != 3 || last.SampleRate != 16000 {
		t.Fatalf("audio chunk = %+v", last)
	}
}

func TestLineStreamStrictInvalidJSON(t *testing.T) {
	s := newLineStream(io.NopCloser(strings.NewReader("not-json\n")), false, true, 24000)
	defer s.Close()
	if _, err := s.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want payload error", err)
	}
}

func TestHTTPExecutorStreamsNDJSON(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, "{\"text\":\"hello \"}\n{\"text\":\"back\"}\n")
	}))
	defer srv.Close()

	b := NewHTTPBuilder(srv.URL, HTTPOptions{})
	exec, err := b.Build(context.Background(), Options{VoiceID: "Dennis"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer exec.Close()

	stream, err := exec.Execute(context.Background(), Input{
		Kind:          InputAudio,
		SessionKey:    "s1",
		InteractionID: "i1",
		Audio:         []float32{0.1, 0.2, 0.3},
		SampleRate:    16000,
		History:       []string{"user: hi"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if text := joinText(drain(t, stream)); text != "hello back" {
		t.Fatalf("text = %q, want %q", text, "hello back")
	}

	if got.Kind != "audio" || got.VoiceID != "Dennis" || got.SessionKey != "s1" || got.InteractionID != "i1" {
		t.Fatalf("request = %+v", got)
	}
	wav, err := base64.StdEncoding.DecodeString(got.AudioWAV)
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	pcm, rate, err := audio.DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if rate != 16000 || len(pcm) != 6 {
		t.Fatalf("uploaded wav rate=%d bytes=%d, want 16000/6", rate, len(pcm))
	}
	if len(got.MemoryContext) != 1 {
		t.Fatalf("memory_context = %v", got.MemoryContext)
	}
}

func TestHTTPExecutorPlainJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"output":"done"}`)
	}))
	defer srv.Close()

	exec, _ := NewHTTPBuilder(srv.URL, HTTPOptions{}).Build(context.Background(), Options{})
	stream, err := exec.Execute(context.Background(), Input{Kind: InputText, Text: "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if text := joinText(drain(t, stream)); text != "done" {
		t.Fatalf("text = %q, want done", text)
	}
}

func TestHTTPExecutorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec, _ := NewHTTPBuilder(srv.URL, HTTPOptions{}).Build(context.Background(), Options{})
	if _, err := exec.Execute(context.Background(), Input{Kind: InputText, Text: "hi"}); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("Execute() error = %v, want status 503", err)
	}
}

func TestHTTPExecutorRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"second time"}`))
	}))
	defer srv.Close()

	exec, _ := NewHTTPBuilder(srv.URL, HTTPOptions{Retries: 1}).Build(context.Background(), Options{})
	stream, err := exec.Execute(context.Background(), Input{Kind: InputText, Text: "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if text := joinText(drain(t, stream)); text != "second time" {
		t.Fatalf("text = %q, want second time", text)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestHTTPExecutorDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	exec, _ := NewHTTPBuilder(srv.URL, HTTPOptions{Retries: 3}).Build(context.Background(), Options{})
	if _, err := exec.Execute(context.Background(), Input{Kind: InputText, Text: "hi"}); err == nil {
		t.Fatalf("Execute() succeeded on 400")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestHTTPExecutorStreamOutlivesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for _, part := range []string{"slow ", "but ", "whole"} {
			time.Sleep(120 * time.Millisecond)
			_, _ = io.WriteString(w, "{\"text\":\""+part+"\"}\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	exec, _ := NewHTTPBuilder(srv.URL, HTTPOptions{Timeout: 100 * time.Millisecond}).Build(context.Background(), Options{})
	stream, err := exec.Execute(context.Background(), Input{Kind: InputText, Text: "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if text := joinText(drain(t, stream)); text != "slow but whole" {
		t.Fatalf("text = %q, want %q", text, "slow but whole")
	}
}

func TestHTTPExecutorHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exec, _ := NewHTTPBuilder(srv.URL, HTTPOptions{Timeout: 50 * time.Millisecond}).Build(context.Background(), Options{})
	if _, err := exec.Execute(context.Background(), Input{Kind: InputText, Text: "hi"}); err == nil {
		t.Fatalf("Execute() succeeded while headers were withheld")
	}
}
