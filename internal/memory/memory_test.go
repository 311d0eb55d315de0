package memory

import (
	"context"
	"reflect"
	"testing"
)

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	st, err := NewStore(context.Background(), Config{DatabaseURL: "  "})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := st.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", st)
	}
}

func TestInMemoryRecentContext(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	turns := []TurnRecord{
		{SessionKey: "a", Role: RoleUser, Content: "one"},
		{SessionKey: "b", Role: RoleUser, Content: "other session"},
		{SessionKey: "a", Role: RoleAssistant, Content: "two"},
		{SessionKey: "a", Role: RoleUser, Content: "three"},
	}
	for _, r := range turns {
		if err := st.SaveTurn(ctx, r); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := st.RecentContext(ctx, "a", 2)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	want := []string{"assistant: two", "user: three"}
	if h := History(got); !reflect.DeepEqual(h, want) {
		t.Fatalf("History() = %v, want %v", h, want)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("SaveTurn did not fill id/created_at: %+v", got[0])
	}

	st.Forget("a")
	if got, _ := st.RecentContext(ctx, "a", 5); len(got) != 0 {
		t.Fatalf("RecentContext() after Forget = %v", got)
	}
}

func TestInMemoryBoundsTranscript(t *testing.T) {
	st := NewBoundedInMemoryStore(4, 3)
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		_ = st.SaveTurn(context.Background(), TurnRecord{SessionKey: "a", Role: RoleUser, Content: c})
	}
	got, _ := st.RecentContext(context.Background(), "a", 0)
	if len(got) != 3 || got[0].Content != "3" {
		t.Fatalf("RecentContext() = %+v, want last three", got)
	}
}

func TestInMemoryEvictsLeastRecentSession(t *testing.T) {
	st := NewBoundedInMemoryStore(2, 10)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "a", "c"} {
		_ = st.SaveTurn(ctx, TurnRecord{SessionKey: key, Role: RoleUser, Content: key})
	}
	if st.Sessions() != 2 {
		t.Fatalf("Sessions() = %d, want 2", st.Sessions())
	}
	if got, _ := st.RecentContext(ctx, "b", 0); len(got) != 0 {
		t.Fatalf("session b survived eviction: %+v", got)
	}
	if got, _ := st.RecentContext(ctx, "a", 0); len(got) != 2 {
		t.Fatalf("session a = %+v, want two turns", got)
	}
	var _ Forgetter = st
}
