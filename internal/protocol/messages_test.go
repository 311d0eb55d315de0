package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ent0n29/companion/internal/audio"
)

func TestParseClientMessageText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"text","key":"k1","text":"hi","interactionId":"i1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	text, ok := msg.(Text)
	if !ok {
		t.Fatalf("message type = %T, want Text", msg)
	}
	if text.Key != "k1" || text.Text != "hi" || text.Interaction() != "i1" {
		t.Fatalf("unexpected text: %+v", text)
	}
}

func TestParseClientMessageImageChat(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"imageChat","key":"k1","text":"what is this","image":"aGk=","voiceId":"X","interactionId":"i2"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	img, ok := msg.(ImageChat)
	if !ok {
		t.Fatalf("message type = %T, want ImageChat", msg)
	}
	if img.VoiceID != "X" || img.Image != "aGk=" {
		t.Fatalf("unexpected imageChat: %+v", img)
	}
}

func TestParseClientMessageAudioForms(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio","key":"k1","frames":[0.5,-0.25],"interactionId":"i3"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	samples, err := msg.(Audio).Samples()
	if err != nil || len(samples) != 2 || samples[0] != 0.5 {
		t.Fatalf("Samples() = %v, %v", samples, err)
	}

	pcm := base64.StdEncoding.EncodeToString(audio.Float32ToPCM16LE([]float32{0, 0.5, -0.5}))
	raw, _ := json.Marshal(map[string]any{"type": "audio", "key": "k1", "pcm16": pcm, "interactionId": "i4"})
	msg, err = ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	samples, err = msg.(Audio).Samples()
	if err != nil || len(samples) != 3 {
		t.Fatalf("Samples() = %v, %v", samples, err)
	}
}

func TestParseClientMessageAudioSessionEnd(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audioSessionEnd","key":"k1","interactionId":"i5"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.EventType() != TypeAudioSessionEnd || msg.SessionKey() != "k1" {
		t.Fatalf("unexpected event: %+v", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	for _, raw := range []string{`{"type":"wat"}`, `{"text":"no type"}`} {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrUnsupportedType", raw, err)
		}
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := []string{
		`{"type":"text","key":"k1","text":"  "}`,
		`{"type":"imageChat","key":"k1","text":"x"}`,
		`{"type":"audio","key":"k1"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidMessage", raw, err)
		}
	}
	if _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("ParseClientMessage(invalid json) succeeded")
	}
}

func TestOutboundEventsWireFormat(t *testing.T) {
	raw, err := json.Marshal(NewAudio("i1", []float32{0.5}, 24000))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(raw, &got)
	if got["type"] != "audio" || got["interactionId"] != "i1" || got["sampleRate"] != float64(24000) {
		t.Fatalf("audio event = %s", raw)
	}

	raw, _ = json.Marshal(NewError("i2", "pipeline failed"))
	if string(raw) != `{"type":"error","interactionId":"i2","message":"pipeline failed"}` {
		t.Fatalf("error event = %s", raw)
	}
}
