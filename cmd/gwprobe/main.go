// gwprobe drives synthetic turns through a running gateway and reports
// first-chunk and end-to-end latency per turn.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/ent0n29/companion/internal/audio"
	"github.com/ent0n29/companion/internal/auth"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/session"
)

type options struct {
	baseURL     string
	credentials *auth.Credentials
	userID      string
	voiceID     string
	turns       int
	texts       []string
	wavPath     string
	chunkMS     int
	realtime    float64
	queryAuth   bool
	turnTimeout time.Duration
	verbose     bool
}

type turnResult struct {
	firstChunk time.Duration
	total      time.Duration
	text       string
}

var defaultUtterances = []string{
	"Reply in three words: how are you?",
	"Reply in three words: what time is it?",
	"Reply in three words: tell me a joke.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "gwprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "gwprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var (
		cfg      options
		textsRaw string
		credsRaw string
	)
	fs := pflag.NewFlagSet("gwprobe", pflag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	fs.StringVar(&credsRaw, "credentials", os.Getenv("AUTH_CREDENTIALS"), "base64 key:secret (defaults to $AUTH_CREDENTIALS)")
	fs.StringVar(&cfg.userID, "user-id", "gwprobe", "user id for the synthetic session")
	fs.StringVar(&cfg.voiceID, "voice-id", "", "voice id requested at session creation")
	fs.IntVarP(&cfg.turns, "turns", "n", 3, "number of turns to drive")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|'")
	fs.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM wav file streamed as audio instead of text turns")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 2.0, "audio pacing multiplier (1.0=realtime)")
	fs.BoolVar(&cfg.queryAuth, "query-auth", false, "admit the websocket with a signed authorization query parameter instead of a session token")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for audioSessionEnd per turn")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	creds, err := auth.LoadCredentials(strings.TrimSpace(credsRaw))
	if err != nil {
		return options{}, fmt.Errorf("credentials: %w", err)
	}
	cfg.credentials = creds
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	base, err := url.Parse(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("parse base-url: %w", err)
	}

	var clip []float32
	var clipRate int
	if cfg.wavPath != "" {
		raw, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		pcm, rate, err := audio.DecodeWAVPCM16(raw)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		if clip, err = audio.PCM16LEToFloat32(pcm); err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		clipRate = rate
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	created, err := createSession(ctx, httpClient, base, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, base, cfg, created.SessionKey)
	}()
	if cfg.verbose {
		fmt.Printf("gwprobe: session=%s voice=%s turns=%d\n", created.SessionKey, created.VoiceID, cfg.turns)
	}

	wsURL, err := wsTarget(base, cfg, created)
	if err != nil {
		return err
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if res != nil {
			return fmt.Errorf("open websocket: %w (HTTP %d)", err, res.StatusCode)
		}
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan map[string]any, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	var results []turnResult
	for i := 0; i < cfg.turns; i++ {
		id := fmt.Sprintf("probe-%d", i+1)
		start := time.Now()
		if clip != nil {
			err = sendAudioTurn(conn, created.SessionKey, id, clip, clipRate, cfg.chunkMS, cfg.realtime)
		} else {
			err = conn.WriteJSON(protocol.Text{
				Type:          protocol.TypeText,
				Key:           created.SessionKey,
				Text:          cfg.texts[i%len(cfg.texts)],
				InteractionID: id,
			})
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		r, err := awaitTurn(id, start, events, readErr, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, r)
		if cfg.verbose {
			fmt.Printf("gwprobe: turn %d first_chunk=%s total=%s reply=%q\n", i+1, r.firstChunk.Round(time.Millisecond), r.total.Round(time.Millisecond), r.text)
		}
	}

	printSummary(os.Stdout, results)
	return nil
}

func signedRequest(ctx context.Context, method string, u *url.URL, cfg options, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth.Sign(*cfg.credentials, u.Host, time.Now(), nonce))
	return req, nil
}

func createSession(ctx context.Context, client *http.Client, base *url.URL, cfg options) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{UserID: cfg.userID, VoiceID: cfg.voiceID})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := signedRequest(ctx, http.MethodPost, base.JoinPath("/v1/session"), cfg, payload)
	if err != nil {
		return session.CreateResponse{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if out.SessionKey == "" {
		return session.CreateResponse{}, fmt.Errorf("missing sessionKey in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, base *url.URL, cfg options, key string) error {
	req, err := signedRequest(ctx, http.MethodPost, base.JoinPath("/v1/session", key, "end"), cfg, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// wsTarget builds the websocket URL. Token admission is the default; with
// --query-auth a freshly signed value rides in the authorization parameter.
func wsTarget(base *url.URL, cfg options, created session.CreateResponse) (string, error) {
	u := *base
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/session/ws"
	query := "key=" + url.QueryEscape(created.SessionKey)
	if cfg.queryAuth {
		nonce, err := auth.NewNonce()
		if err != nil {
			return "", err
		}
		value := auth.Sign(*cfg.credentials, u.Host, time.Now(), nonce)
		query += "&authorization=" + auth.EncodeQueryValue(value)
	} else {
		query += "&wsToken=" + url.QueryEscape(created.WSToken)
	}
	u.RawQuery = query
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- map[string]any, readErr chan<- error) {
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		events <- ev
	}
}

func sendAudioTurn(conn *websocket.Conn, key, id string, samples []float32, sampleRate, chunkMS int, realtime float64) error {
	per := sampleRate * chunkMS / 1000
	if per <= 0 {
		per = len(samples)
	}
	pace := time.Duration(float64(chunkMS) * float64(time.Millisecond) / realtime)
	for off := 0; off < len(samples); off += per {
		end := min(off+per, len(samples))
		msg := protocol.Audio{
			Type:          protocol.TypeAudio,
			Key:           key,
			PCM16:         base64.StdEncoding.EncodeToString(audio.Float32ToPCM16LE(samples[off:end])),
			InteractionID: id,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(pace)
	}
	return conn.WriteJSON(protocol.AudioSessionEnd{
		Type:          protocol.TypeAudioSessionEnd,
		Key:           key,
		InteractionID: id,
	})
}

// awaitTurn collects events until audioSessionEnd. Audio turns are reported
// under the segment's own interaction id, so any id is accepted once the
// turn has been sent.
func awaitTurn(id string, start time.Time, events <-chan map[string]any, readErr <-chan error, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var (
		r    turnResult
		text strings.Builder
	)
	for {
		select {
		case ev := <-events:
			typ, _ := ev["type"].(string)
			if r.firstChunk == 0 && (typ == string(protocol.TypeText) || typ == string(protocol.TypeAudio)) {
				r.firstChunk = time.Since(start)
			}
			switch typ {
			case string(protocol.TypeText):
				s, _ := ev["text"].(string)
				text.WriteString(s)
			case string(protocol.TypeError):
				msg, _ := ev["message"].(string)
				if ev["interactionId"] == id || ev["interactionId"] == nil {
					return r, fmt.Errorf("gateway error: %s", msg)
				}
			case string(protocol.TypeAudioSessionEnd):
				r.total = time.Since(start)
				r.text = text.String()
				return r, nil
			}
		case err := <-readErr:
			return r, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return r, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func printSummary(w io.Writer, results []turnResult) {
	if len(results) == 0 {
		return
	}
	first := make([]time.Duration, 0, len(results))
	total := make([]time.Duration, 0, len(results))
	for _, r := range results {
		first = append(first, r.firstChunk)
		total = append(total, r.total)
	}
	fmt.Fprintf(w, "gwprobe: turns=%d first_chunk p50=%s p95=%s total p50=%s p95=%s\n",
		len(results),
		percentile(first, 50).Round(time.Millisecond), percentile(first, 95).Round(time.Millisecond),
		percentile(total, 50).Round(time.Millisecond), percentile(total, 95).Round(time.Millisecond),
	)
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
