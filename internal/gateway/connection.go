package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/pipeline"
	"github.com/ent0n29/companion/internal/policy"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/tasks"
	"github.com/ent0n29/companion/internal/voice"
)

var ErrKeyMismatch = errors.New("event key does not match the connection session")

// Connection is one bound streaming connection. HandleMessage is called by a
// single reader; turns run one at a time on the connection's task queue.
type Connection struct {
	gw        *Gateway
	key       string
	transport Transport
	logger    *slog.Logger
	queue     *tasks.Queue

	segMu     sync.Mutex
	segmenter *voice.Segmenter

	// exec is only touched from queued tasks and after the queue is done.
	exec pipeline.Executor

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(g *Gateway, key string, t Transport) *Connection {
	c := &Connection{
		gw:        g,
		key:       key,
		transport: t,
		logger:    g.logger.With("session_key", key),
		segmenter: voice.NewSegmenter(g.cfg.Segmenter, g.detector),
		closed:    make(chan struct{}),
	}
	c.queue = g.newQueue(c)
	return c
}

func (c *Connection) Key() string { return c.key }

// Done is closed once the connection is closed and its in-flight task ended.
func (c *Connection) Done() <-chan struct{} { return c.queue.Done() }

// Closed is closed as soon as Close is called.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// Wait blocks until the connection's task queue is idle.
func (c *Connection) Wait(ctx context.Context) error { return c.queue.Wait(ctx) }

// Close stops accepting work, discards pending turns and closes the
// transport. A running turn finishes before the executor is released.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.queue.Close()
		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
		c.gw.metrics.ConnectionClosed()
		c.gw.metrics.ObserveSessionEvent("ws_disconnected")
		go func() {
			<-c.queue.Done()
			if c.exec != nil {
				if err := c.exec.Close(); err != nil {
					c.logger.Warn("executor close failed", "error", err)
				}
				c.exec = nil
			}
		}()
	})
}

// HandleMessage parses and dispatches one inbound event. Invalid events are
// answered with an error event and the error is returned; the connection
// stays usable.
func (c *Connection) HandleMessage(ctx context.Context, raw []byte) error {
	select {
	case <-c.closed:
		return tasks.ErrClosed
	default:
	}

	ev, err := protocol.ParseClientMessage(raw)
	if err != nil {
		c.gw.metrics.ObserveWSMessage("inbound", "invalid")
		c.sendError(interactionOf(raw), err.Error())
		return err
	}
	c.gw.metrics.ObserveWSMessage("inbound", string(ev.EventType()))

	interactionID := ev.Interaction()
	if interactionID == "" {
		interactionID = uuid.NewString()
	}
	if k := ev.SessionKey(); k != "" && k != c.key {
		c.sendError(interactionID, ErrKeyMismatch.Error())
		return ErrKeyMismatch
	}
	c.gw.touch(c.key)

	switch m := ev.(type) {
	case protocol.Text:
		c.enqueueTurn(pipeline.Input{
			Kind:          pipeline.InputText,
			InteractionID: interactionID,
			Text:          m.Text,
		})
	case protocol.ImageChat:
		c.enqueueTurn(pipeline.Input{
			Kind:          pipeline.InputImageChat,
			InteractionID: interactionID,
			Text:          m.Text,
			ImageBase64:   m.Image,
			VoiceID:       m.VoiceID,
		})
	case protocol.Audio:
		samples, err := m.Samples()
		if err != nil {
			c.sendError(interactionID, err.Error())
			return err
		}
		c.pushAudio(ctx, interactionID, samples)
	case protocol.AudioSessionEnd:
		c.endAudio(interactionID)
	}
	return nil
}

func (c *Connection) pushAudio(ctx context.Context, interactionID string, samples []float32) {
	c.segMu.Lock()
	segs, err := c.segmenter.Push(ctx, samples)
	c.segMu.Unlock()
	if err != nil {
		// The segmenter already dropped its buffer; the client is not told.
		c.gw.metrics.ObserveSegment("error")
		c.logger.Warn("audio segmentation failed", "interaction_id", interactionID, "error", err)
		return
	}
	for _, seg := range segs {
		c.gw.metrics.ObserveSegment("emitted")
		c.enqueueSegment(interactionID, seg)
	}
}

func (c *Connection) endAudio(interactionID string) {
	c.segMu.Lock()
	seg, ok := c.segmenter.Flush()
	c.segMu.Unlock()

	if ok {
		c.gw.metrics.ObserveSegment("flushed")
		c.enqueueSegment(interactionID, seg)
		return
	}
	// Nothing buffered: still close the interaction in order.
	c.enqueue(tasks.Task{
		Name:          "audio_end",
		InteractionID: interactionID,
		Run: func(context.Context) error {
			return c.send(protocol.NewAudioSessionEnd(interactionID))
		},
	})
}

func (c *Connection) enqueueSegment(interactionID string, seg voice.Segment) {
	c.enqueueTurn(pipeline.Input{
		Kind:          pipeline.InputAudio,
		InteractionID: interactionID,
		Audio:         seg.Samples,
		SampleRate:    seg.SampleRate,
	})
}

func (c *Connection) enqueueTurn(in pipeline.Input) {
	in.SessionKey = c.key
	c.enqueue(tasks.Task{
		Name:          string(in.Kind),
		InteractionID: in.InteractionID,
		Run: func(ctx context.Context) error {
			return c.runTurn(ctx, in)
		},
	})
}

func (c *Connection) enqueue(t tasks.Task) {
	err := c.queue.Enqueue(t)
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrQueueFull):
		c.logger.Warn("task rejected, queue full", "task", t.Name, "interaction_id", t.InteractionID)
		c.gw.metrics.ObserveTaskRejected(t.Name)
		c.sendError(t.InteractionID, "too many pending requests, try again")
	case errors.Is(err, tasks.ErrClosed):
		c.logger.Debug("task dropped, connection closed", "task", t.Name)
	default:
		c.sendError(t.InteractionID, err.Error())
	}
}

// runTurn executes one turn and streams its output. Every output stream is
// drained and closed, even when sending fails.
func (c *Connection) runTurn(ctx context.Context, in pipeline.Input) error {
	start := time.Now()
	exec, err := c.executorFor(ctx, in.VoiceID)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	in.VoiceID = exec.VoiceID()
	in.History = c.history(ctx)
	c.saveTurn(ctx, in.InteractionID, memory.RoleUser, describeInput(in))

	stream, err := exec.Execute(ctx, in)
	if err != nil {
		return fmt.Errorf("execute pipeline: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			c.logger.Debug("stream close failed", "error", cerr)
		}
	}()

	var (
		reply   strings.Builder
		first   = true
		sendErr error
	)
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("pipeline stream: %w", err)
		}
		if first {
			c.gw.metrics.ObserveFirstChunk(time.Since(start))
			first = false
		}
		if sendErr != nil {
			continue
		}
		switch chunk.Kind {
		case pipeline.ChunkText:
			if chunk.Text == "" {
				continue
			}
			reply.WriteString(chunk.Text)
			sendErr = c.send(protocol.NewText(in.InteractionID, chunk.Text))
		case pipeline.ChunkAudio:
			if len(chunk.Audio) == 0 {
				continue
			}
			rate := chunk.SampleRate
			if rate <= 0 {
				rate = c.gw.cfg.OutputSampleRate
			}
			sendErr = c.send(protocol.NewAudio(in.InteractionID, chunk.Audio, rate))
		}
	}
	if sendErr != nil {
		return fmt.Errorf("send output: %w", sendErr)
	}

	if text := strings.TrimSpace(reply.String()); text != "" {
		c.saveTurn(ctx, in.InteractionID, memory.RoleAssistant, text)
	}
	return c.send(protocol.NewAudioSessionEnd(in.InteractionID))
}

// executorFor reuses the current executor unless a different voice is asked
// for. An empty voice keeps whatever voice is active.
func (c *Connection) executorFor(ctx context.Context, voiceID string) (pipeline.Executor, error) {
	if voiceID == "" {
		if c.exec != nil {
			return c.exec, nil
		}
		voiceID = c.sessionVoice()
	}
	if c.exec != nil && c.exec.VoiceID() == voiceID {
		return c.exec, nil
	}
	if c.exec != nil {
		if err := c.exec.Close(); err != nil {
			c.logger.Warn("executor close failed", "voice_id", c.exec.VoiceID(), "error", err)
		}
		c.exec = nil
	}
	if c.gw.builder == nil {
		return nil, errors.New("no pipeline configured")
	}
	start := time.Now()
	exec, err := c.gw.builder.Build(ctx, pipeline.Options{VoiceID: voiceID})
	if err != nil {
		return nil, err
	}
	c.gw.metrics.ObserveStage("executor_build", time.Since(start))
	c.logger.Debug("pipeline executor built", "voice_id", voiceID)
	c.exec = exec
	return exec, nil
}

func (c *Connection) sessionVoice() string {
	if c.gw.sessions != nil {
		if s, err := c.gw.sessions.Get(c.key); err == nil && s.VoiceID != "" {
			return s.VoiceID
		}
	}
	return c.gw.cfg.DefaultVoiceID
}

func (c *Connection) history(ctx context.Context) []string {
	if c.gw.store == nil {
		return nil
	}
	records, err := c.gw.store.RecentContext(ctx, c.key, c.gw.cfg.HistoryTurns)
	if err != nil {
		c.logger.Warn("load transcript failed", "error", err)
		return nil
	}
	return memory.History(records)
}

func (c *Connection) saveTurn(ctx context.Context, interactionID, role, content string) {
	if c.gw.store == nil || content == "" {
		return
	}
	if c.gw.cfg.RedactTranscripts {
		content, _ = policy.Redact(content)
	}
	err := c.gw.store.SaveTurn(ctx, memory.TurnRecord{
		SessionKey:    c.key,
		InteractionID: interactionID,
		Role:          role,
		Content:       content,
	})
	if err != nil {
		c.logger.Warn("save transcript failed", "role", role, "error", err)
	}
}

func describeInput(in pipeline.Input) string {
	switch in.Kind {
	case pipeline.InputAudio:
		ms := 0
		if in.SampleRate > 0 {
			ms = len(in.Audio) * 1000 / in.SampleRate
		}
		return fmt.Sprintf("[audio %dms]", ms)
	case pipeline.InputImageChat:
		return strings.TrimSpace("[image] " + in.Text)
	default:
		return in.Text
	}
}

func (c *Connection) reportTaskError(t tasks.Task, err error) {
	c.sendError(t.InteractionID, err.Error())
}

func (c *Connection) sendError(interactionID, message string) {
	if err := c.send(protocol.NewError(interactionID, message)); err != nil {
		c.logger.Debug("send error event failed", "error", err)
	}
}

func (c *Connection) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.transport.Send(payload); err != nil {
		return err
	}
	c.gw.metrics.ObserveWSMessage("outbound", outboundType(v))
	return nil
}

func outboundType(v any) string {
	switch m := v.(type) {
	case protocol.TextEvent:
		return string(m.Type)
	case protocol.AudioEvent:
		return string(m.Type)
	case protocol.AudioSessionEndEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

// interactionOf pulls interactionId out of a payload that failed to parse.
func interactionOf(raw []byte) string {
	var probe struct {
		InteractionID string `json:"interactionId"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.InteractionID
}
