package files

import (
	"strings"
	"testing"
)

func TestRegisterResolveRoundTrip(t *testing.T) {
	r := NewRegistry()
	m := r.Register("remote-1", "acct-a", "sess-1", "doc.txt", "text/plain", 42)
	if !strings.HasPrefix(m.ID, "file-") {
		t.Fatalf("id = %q, want file- prefix", m.ID)
	}
	got, ok := r.Resolve(m.ID)
	if !ok {
		t.Fatalf("Resolve(%q) missing", m.ID)
	}
	if got.RemoteID != "remote-1" || got.Account != "acct-a" || got.SessionID != "sess-1" || got.Size != 42 {
		t.Fatalf("mapping = %+v", got)
	}
}

func TestListInsertionOrder(t *testing.T) {
	r := NewRegistry()
	first := r.Register("r1", "a", "s", "one", "", 1)
	second := r.Register("r2", "a", "s", "two", "", 2)
	third := r.Register("r3", "a", "s", "three", "", 3)
	r.Remove(second.ID)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("list len = %d, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != third.ID {
		t.Fatalf("list order = %q, %q", list[0].ID, list[1].ID)
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	m := r.Register("r1", "a", "s", "one", "", 1)
	if !r.Remove(m.ID) {
		t.Fatalf("Remove returned false for live mapping")
	}
	if _, ok := r.Resolve(m.ID); ok {
		t.Fatalf("mapping still resolvable after Remove")
	}
	if r.Remove(m.ID) {
		t.Fatalf("Remove returned true twice")
	}
}

func TestIDsAreUnique(t *testing.T) {
	r := NewRegistry()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		m := r.Register("r", "a", "s", "f", "", 0)
		if seen[m.ID] {
			t.Fatalf("duplicate id %q", m.ID)
		}
		seen[m.ID] = true
	}
}
