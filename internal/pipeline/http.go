package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/companion/internal/audio"
	"github.com/ent0n29/companion/internal/reliability"
)

type HTTPOptions struct {
	// Timeout bounds connecting and waiting for response headers. A
	// streamed body may run for as long as the endpoint keeps producing.
	Timeout time.Duration
	// Strict rejects stream lines that are not valid JSON instead of
	// treating them as plain text.
	Strict           bool
	OutputSampleRate int
	// Retries is how many extra attempts are made on a retryable status
	// before any body has been read.
	Retries int
	Client  *http.Client
}

const (
	retryBase = 200 * time.Millisecond
	retryCap  = 2 * time.Second
)

// HTTPBuilder forwards turns to an inference endpoint that answers with JSON,
// NDJSON or server-sent events.
type HTTPBuilder struct {
	url        string
	client     *http.Client
	strict     bool
	sampleRate int
	retries    int
}

func NewHTTPBuilder(url string, opts HTTPOptions) *HTTPBuilder {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = newStreamingClient(timeout)
	}
	rate := opts.OutputSampleRate
	if rate <= 0 {
		rate = audio.DefaultOutputSampleRate
	}
	return &HTTPBuilder{
		url:        strings.TrimSpace(url),
		client:     client,
		strict:     opts.Strict,
		sampleRate: rate,
		retries:    max(opts.Retries, 0),
	}
}

func newStreamingClient(timeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: t}
}

func (b *HTTPBuilder) Build(ctx context.Context, opts Options) (Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &httpExecutor{builder: b, voiceID: opts.VoiceID}, nil
}

type httpExecutor struct {
	builder *HTTPBuilder
	voiceID string
}

type httpRequest struct {
	SessionKey    string   `json:"session_key"`
	InteractionID string   `json:"interaction_id"`
	Kind          string   `json:"kind"`
	VoiceID       string   `json:"voice_id,omitempty"`
	Text          string   `json:"text,omitempty"`
	ImageBase64   string   `json:"image_base64,omitempty"`
	AudioWAV      string   `json:"audio_wav,omitempty"`
	MemoryContext []string `json:"memory_context,omitempty"`
}

func (e *httpExecutor) VoiceID() string { return e.voiceID }

func (e *httpExecutor) Close() error { return nil }

func (e *httpExecutor) Execute(ctx context.Context, in Input) (Stream, error) {
	voice := in.VoiceID
	if voice == "" {
		voice = e.voiceID
	}
	req := httpRequest{
		SessionKey:    in.SessionKey,
		InteractionID: in.InteractionID,
		Kind:          string(in.Kind),
		VoiceID:       voice,
		Text:          in.Text,
		ImageBase64:   in.ImageBase64,
		MemoryContext: in.History,
	}
	if len(in.Audio) > 0 {
		wav, err := audio.EncodeWAV(in.Audio, in.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("encode audio: %w", err)
		}
		req.AudioWAV = base64.StdEncoding.EncodeToString(wav)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	res, err := e.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return newLineStream(res.Body, true, e.builder.strict, e.builder.sampleRate), nil
	case strings.Contains(ct, "application/x-ndjson"):
		return newLineStream(res.Body, false, e.builder.strict, e.builder.sampleRate), nil
	}

	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return NewSliceStream(), nil
		}
		return NewSliceStream(Chunk{Kind: ChunkText, Text: text}), nil
	}
	var chunks []Chunk
	if text := extractText(obj); text != "" {
		chunks = append(chunks, Chunk{Kind: ChunkText, Text: text})
	}
	if c, ok, err := extractAudio(obj, e.builder.sampleRate); err != nil {
		return nil, err
	} else if ok {
		chunks = append(chunks, c)
	}
	return NewSliceStream(chunks...), nil
}

func (e *httpExecutor) post(ctx context.Context, payload []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.builder.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		res, err := e.builder.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		statusErr := fmt.Errorf("pipeline http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if attempt >= e.builder.retries || !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, statusErr
		}
		if err := reliability.Wait(ctx, attempt, retryBase, retryCap); err != nil {
			return nil, statusErr
		}
	}
}

// lineStream decodes an NDJSON or SSE body one chunk per Next call.
type lineStream struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	sse        bool
	strict     bool
	sampleRate int

	closeOnce sync.Once
	done      bool
}

func newLineStream(body io.ReadCloser, sse, strict bool, sampleRate int) *lineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &lineStream{body: body, scanner: scanner, sse: sse, strict: strict, sampleRate: sampleRate}
}

func (s *lineStream) Next(ctx context.Context) (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("stream read: %w", err)
			}
			return Chunk{}, io.EOF
		}
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if s.sse {
			if !strings.HasPrefix(line, "data:") {
				// Comments, event names and blank separators.
				continue
			}
			line = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "[DONE]" {
			s.done = true
			return Chunk{}, io.EOF
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			if s.strict {
				s.done = true
				return Chunk{}, fmt.Errorf("invalid stream payload %q: %w", trimmed, err)
			}
			return Chunk{Kind: ChunkText, Text: line}, nil
		}
		if c, ok, err := extractAudio(obj, s.sampleRate); err != nil {
			s.done = true
			return Chunk{}, err
		} else if ok {
			return c, nil
		}
		if text := extractText(obj); text != "" {
			return Chunk{Kind: ChunkText, Text: text}, nil
		}
	}
}

func (s *lineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
	})
	return err
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// extractAudio decodes a base64 PCM16LE "audio" field.
func extractAudio(obj map[string]any, defaultRate int) (Chunk, bool, error) {
	raw, ok := obj["audio"].(string)
	if !ok || raw == "" {
		return Chunk{}, false, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Chunk{}, false, fmt.Errorf("decode audio: %w", err)
	}
	samples, err := audio.PCM16LEToFloat32(pcm)
	if err != nil {
		return Chunk{}, false, fmt.Errorf("decode audio: %w", err)
	}
	rate := defaultRate
	if v, ok := obj["sample_rate"].(float64); ok && v > 0 {
		rate = int(v)
	}
	return Chunk{Kind: ChunkAudio, Audio: samples, SampleRate: rate}, true, nil
}
