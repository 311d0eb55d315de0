package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/companion/internal/audio"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeText            MessageType = "text"
	TypeImageChat       MessageType = "imageChat"
	TypeAudio           MessageType = "audio"
	TypeAudioSessionEnd MessageType = "audioSessionEnd"
	TypeError           MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientEvent is one of Text, ImageChat, Audio or AudioSessionEnd.
type ClientEvent interface {
	EventType() MessageType
	SessionKey() string
	Interaction() string
}

type Text struct {
	Type          MessageType `json:"type"`
	Key           string      `json:"key"`
	Text          string      `json:"text"`
	InteractionID string      `json:"interactionId"`
}

type ImageChat struct {
	Type          MessageType `json:"type"`
	Key           string      `json:"key"`
	Text          string      `json:"text"`
	Image         string      `json:"image"`
	VoiceID       string      `json:"voiceId,omitempty"`
	InteractionID string      `json:"interactionId"`
}

// Audio carries mono input frames either as float samples or as base64 PCM16LE.
type Audio struct {
	Type          MessageType `json:"type"`
	Key           string      `json:"key"`
	Frames        []float32   `json:"frames,omitempty"`
	PCM16         string      `json:"pcm16,omitempty"`
	InteractionID string      `json:"interactionId"`
}

type AudioSessionEnd struct {
	Type          MessageType `json:"type"`
	Key           string      `json:"key"`
	InteractionID string      `json:"interactionId"`
}

func (m Text) EventType() MessageType            { return TypeText }
func (m Text) SessionKey() string                { return m.Key }
func (m Text) Interaction() string               { return m.InteractionID }
func (m ImageChat) EventType() MessageType       { return TypeImageChat }
func (m ImageChat) SessionKey() string           { return m.Key }
func (m ImageChat) Interaction() string          { return m.InteractionID }
func (m Audio) EventType() MessageType           { return TypeAudio }
func (m Audio) SessionKey() string               { return m.Key }
func (m Audio) Interaction() string              { return m.InteractionID }
func (m AudioSessionEnd) EventType() MessageType { return TypeAudioSessionEnd }
func (m AudioSessionEnd) SessionKey() string     { return m.Key }
func (m AudioSessionEnd) Interaction() string    { return m.InteractionID }

// Samples returns the frames as float32, decoding PCM16 when frames are absent.
func (m Audio) Samples() ([]float32, error) {
	if len(m.Frames) > 0 {
		return m.Frames, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16)
	if err != nil {
		return nil, fmt.Errorf("decode pcm16: %w", err)
	}
	return audio.PCM16LEToFloat32(pcm)
}

// Outbound events.

type TextEvent struct {
	Type          MessageType `json:"type"`
	InteractionID string      `json:"interactionId"`
	Text          string      `json:"text"`
}

type AudioEvent struct {
	Type          MessageType `json:"type"`
	InteractionID string      `json:"interactionId"`
	Audio         string      `json:"audio"`
	SampleRate    int         `json:"sampleRate"`
}

type AudioSessionEndEvent struct {
	Type          MessageType `json:"type"`
	InteractionID string      `json:"interactionId"`
}

type ErrorEvent struct {
	Type          MessageType `json:"type"`
	InteractionID string      `json:"interactionId,omitempty"`
	Message       string      `json:"message"`
}

func NewText(interactionID, text string) TextEvent {
	return TextEvent{Type: TypeText, InteractionID: interactionID, Text: text}
}

// NewAudio encodes samples as base64 PCM16LE.
func NewAudio(interactionID string, samples []float32, sampleRate int) AudioEvent {
	return AudioEvent{
		Type:          TypeAudio,
		InteractionID: interactionID,
		Audio:         base64.StdEncoding.EncodeToString(audio.Float32ToPCM16LE(samples)),
		SampleRate:    sampleRate,
	}
}

func NewAudioSessionEnd(interactionID string) AudioSessionEndEvent {
	return AudioSessionEndEvent{Type: TypeAudioSessionEnd, InteractionID: interactionID}
}

func NewError(interactionID, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, InteractionID: interactionID, Message: message}
}

func ParseClientMessage(raw []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeText:
		var msg Text
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, invalid(env.Type, "text is required")
		}
		return msg, nil
	case TypeImageChat:
		var msg ImageChat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Image == "" {
			return nil, invalid(env.Type, "image is required")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Frames) == 0 && msg.PCM16 == "" {
			return nil, invalid(env.Type, "frames or pcm16 is required")
		}
		return msg, nil
	case TypeAudioSessionEnd:
		var msg AudioSessionEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrUnsupportedType)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedType, env.Type)
	}
}

func invalid(t MessageType, detail string) error {
	return fmt.Errorf("%w %s: %s", ErrInvalidMessage, t, detail)
}
