// Package gateway admits, binds and drives streaming session connections.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ent0n29/companion/internal/audio"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/pipeline"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/tasks"
	"github.com/ent0n29/companion/internal/voice"
)

// Close codes sent to transports.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseSuperseded   = 4001
	CloseSessionEnded = 4002
)

var (
	ErrMissingKey   = errors.New("session key is required")
	ErrUnauthorized = errors.New("connection not authorized")
)

// Transport is the outbound half of a bound connection. Send must be safe
// for concurrent use.
type Transport interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Verifier checks a signed authorization value for host.
type Verifier interface {
	Verify(value, host string) error
}

type Config struct {
	Segmenter        voice.SegmenterConfig
	DefaultVoiceID   string
	OutputSampleRate int
	QueueDepth       int
	// HistoryTurns is how many transcript lines are passed to the pipeline.
	HistoryTurns int
	// RedactTranscripts masks sensitive content before turns are stored.
	RedactTranscripts bool
}

type Deps struct {
	Verifier Verifier
	Sessions *session.Manager
	Tokens   *session.TokenBroker
	Builder  pipeline.Builder
	// Detector is shared by all connections and must be safe for concurrent use.
	Detector voice.Detector
	Store    memory.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Gateway struct {
	cfg      Config
	verifier Verifier
	sessions *session.Manager
	tokens   *session.TokenBroker
	builder  pipeline.Builder
	detector voice.Detector
	store    memory.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	conns  *xsync.Map[string, *Connection]
}

func New(deps Deps, cfg Config) *Gateway {
	if cfg.DefaultVoiceID == "" {
		cfg.DefaultVoiceID = "Dennis"
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.DefaultOutputSampleRate
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if cfg.Segmenter == (voice.SegmenterConfig{}) {
		cfg.Segmenter = voice.DefaultSegmenterConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := deps.Tokens
	if tokens == nil && deps.Sessions != nil {
		tokens = deps.Sessions.Tokens()
	}
	detector := deps.Detector
	if detector == nil {
		detector = voice.NewEnergyDetector(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		tokens:   tokens,
		builder:  deps.Builder,
		detector: detector,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		conns:    xsync.NewMap[string, *Connection](),
	}
	if deps.Sessions != nil {
		deps.Sessions.SetLiveCheck(g.live)
	}
	return g
}

// AdmissionRequest carries every credential a connection attempt may present.
type AdmissionRequest struct {
	SessionKey string
	WSToken    string
	// AuthValue is a signed authorization value, already query-decoded.
	AuthValue string
	// AuthErr records a value that could not be decoded. It only denies the
	// attempt when token admission does not succeed.
	AuthErr error
	Host    string
	UserID  string
}

// Admit authorizes a connection attempt and returns its session key. A ws
// token is tried first; when it is absent or fails, the signed value is
// verified instead. A verified signature without a key opens a new session
// under a generated key.
func (g *Gateway) Admit(req AdmissionRequest) (string, error) {
	key := strings.TrimSpace(req.SessionKey)
	signed := strings.TrimSpace(req.AuthValue) != "" || req.AuthErr != nil
	if key == "" && !signed {
		g.metrics.ObserveAdmission("none", "denied")
		return "", ErrMissingKey
	}

	if key != "" && req.WSToken != "" && g.tokens != nil && g.tokens.Redeem(key, req.WSToken, g.now()) {
		g.metrics.ObserveAdmission("token", "admitted")
		g.ensureSession(key, req.UserID)
		return key, nil
	}

	if req.AuthErr != nil {
		g.metrics.ObserveAdmission("signature", "denied")
		return "", req.AuthErr
	}
	if !signed || g.verifier == nil {
		g.metrics.ObserveAdmission("token", "denied")
		return "", ErrUnauthorized
	}
	if err := g.verifier.Verify(req.AuthValue, req.Host); err != nil {
		g.metrics.ObserveAdmission("signature", "denied")
		return "", err
	}
	g.metrics.ObserveAdmission("signature", "admitted")
	if key == "" {
		key = uuid.NewString()
	}
	g.ensureSession(key, req.UserID)
	return key, nil
}

func (g *Gateway) ensureSession(key, userID string) {
	if g.sessions == nil {
		return
	}
	if userID == "" {
		userID = "anonymous"
	}
	g.sessions.Ensure(key, userID, g.cfg.DefaultVoiceID)
}

func (g *Gateway) touch(key string) {
	if g.sessions != nil {
		_ = g.sessions.Touch(key)
	}
}

// live reports whether key has a bound connection.
func (g *Gateway) live(key string) bool {
	_, ok := g.conns.Load(key)
	return ok
}

// Bind registers t as the live connection for key. An earlier connection for
// the same key is closed with CloseSuperseded.
func (g *Gateway) Bind(key string, t Transport) *Connection {
	c := newConnection(g, key, t)
	prev, loaded := g.conns.LoadAndStore(key, c)
	g.touch(key)
	g.metrics.ConnectionOpened()
	g.metrics.ObserveSessionEvent("ws_connected")
	if loaded && prev != nil && prev != c {
		g.logger.Info("connection superseded", "session_key", key)
		g.metrics.ObserveSessionEvent("ws_superseded")
		prev.Close(CloseSuperseded, "superseded")
	}
	return c
}

// Unbind removes c from the registry if it is still the live connection for
// its key, then closes it.
func (g *Gateway) Unbind(c *Connection) {
	if c == nil {
		return
	}
	g.conns.Compute(c.key, func(old *Connection, loaded bool) (*Connection, xsync.ComputeOp) {
		if loaded && old == c {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	c.Close(CloseNormal, "")
}

// Lookup returns the live connection for key.
func (g *Gateway) Lookup(key string) (*Connection, bool) {
	return g.conns.Load(key)
}

func (g *Gateway) Connections() int {
	return g.conns.Size()
}

// EndSession ends key and closes its live connection, if any.
func (g *Gateway) EndSession(key string) (*session.Session, error) {
	var (
		sess *session.Session
		err  error
	)
	if g.sessions != nil {
		sess, err = g.sessions.End(key)
		if err != nil {
			return nil, err
		}
	}
	g.metrics.ObserveSessionEvent("ended")
	g.dropConnection(key, CloseSessionEnded, "session ended")
	g.forgetTranscript(key)
	return sess, nil
}

// SessionExpired is the session manager's expire hook.
func (g *Gateway) SessionExpired(s *session.Session) {
	g.metrics.ObserveSessionEvent("expired")
	g.dropConnection(s.Key, CloseSessionEnded, "session expired")
	g.forgetTranscript(s.Key)
}

// forgetTranscript releases process-held transcripts of a finished session.
// Durable stores keep them.
func (g *Gateway) forgetTranscript(key string) {
	if f, ok := g.store.(memory.Forgetter); ok {
		f.Forget(key)
	}
}

func (g *Gateway) dropConnection(key string, code int, reason string) {
	c, ok := g.conns.LoadAndDelete(key)
	if ok && c != nil {
		c.Close(code, reason)
	}
}

// Shutdown closes every connection and waits for in-flight tasks to finish
// or ctx to expire. Task contexts are cancelled on expiry.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var closing []*Connection
	g.conns.Range(func(key string, c *Connection) bool {
		closing = append(closing, c)
		return true
	})
	g.conns.Clear()
	for _, c := range closing {
		c.Close(CloseGoingAway, "server shutting down")
	}
	defer g.cancel()
	for _, c := range closing {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *Gateway) newQueue(c *Connection) *tasks.Queue {
	return tasks.New(g.ctx, tasks.Config{
		Depth:   g.cfg.QueueDepth,
		Logger:  c.logger,
		OnError: c.reportTaskError,
		OnFinish: func(t tasks.Task, d time.Duration, err error) {
			g.touch(c.key)
			g.metrics.ObserveTask(t.Name, d, err)
		},
	})
}
