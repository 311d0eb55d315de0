package session

import (
	"context"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute, nil)
	s := m.Create("u1", "Dennis")
	if s.Key == "" {
		t.Fatalf("session key should not be empty")
	}

	got, err := m.Get(s.Key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.VoiceID != "Dennis" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.Key)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerEnsureReusesActive(t *testing.T) {
	m := NewManager(time.Minute, nil)
	first := m.Ensure("client-key", "u1", "Dennis")
	second := m.Ensure("client-key", "u2", "Other")
	if second.UserID != "u1" || !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("Ensure() replaced an active session: %+v", second)
	}

	if _, err := m.End("client-key"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	third := m.Ensure("client-key", "u3", "")
	if third.Status != StatusActive || third.UserID != "u3" {
		t.Fatalf("Ensure() after end = %+v", third)
	}
}

func TestManagerEndRevokesToken(t *testing.T) {
	tokens := NewTokenBroker(time.Minute)
	m := NewManager(time.Minute, tokens)
	s := m.Create("u1", "")
	tok := tokens.Issue(s.Key)

	if _, err := m.End(s.Key); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if tokens.Redeem(s.Key, tok.Value, time.Now()) {
		t.Fatalf("Redeem() succeeded after session end")
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	tokens := NewTokenBroker(20 * time.Millisecond)
	m := NewManager(30*time.Millisecond, tokens)
	s := m.Create("u1", "")
	tokens.Issue(s.Key)

	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.Key })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case key := <-expired:
		if key != s.Key {
			t.Fatalf("expired key = %q, want %q", key, s.Key)
		}
	case <-time.After(time.Second):
		t.Fatalf("session was not expired")
	}
	deadline := time.Now().Add(time.Second)
	for tokens.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tokens.Len() != 0 {
		t.Fatalf("tokens.Len() = %d, want 0", tokens.Len())
	}
}

func TestManagerJanitorSparesLiveSessions(t *testing.T) {
	m := NewManager(30*time.Millisecond, nil)
	live := m.Create("u1", "")
	idle := m.Create("u2", "")
	m.SetLiveCheck(func(key string) bool { return key == live.Key })

	expired := make(chan string, 2)
	m.SetExpireHook(func(s *Session) { expired <- s.Key })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case key := <-expired:
		if key != idle.Key {
			t.Fatalf("expired key = %q, want %q", key, idle.Key)
		}
	case <-time.After(time.Second):
		t.Fatalf("idle session was not expired")
	}
	time.Sleep(100 * time.Millisecond)
	got, err := m.Get(live.Key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("live session status = %q, want %q", got.Status, StatusActive)
	}
}

func TestManagerEnsureCountsAsActivity(t *testing.T) {
	m := NewManager(time.Minute, nil)
	first := m.Ensure("client-key", "u1", "")
	time.Sleep(5 * time.Millisecond)
	second := m.Ensure("client-key", "u1", "")
	if !second.LastActivityAt.After(first.LastActivityAt) {
		t.Fatalf("LastActivityAt = %v, want after %v", second.LastActivityAt, first.LastActivityAt)
	}
}
