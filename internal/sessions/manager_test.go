package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomrelay/loomrelay/internal/providers"
)

// Two distinct keys never share history.
func TestSessionIsolation(t *testing.T) {
	m := NewManager("")
	m.AddMessage("telegram:42", providers.Message{Role: "user", Content: "for 42"})
	m.AddMessage("telegram:43", providers.Message{Role: "user", Content: "for 43"})
	m.AddMessage("telegram:42", providers.Message{Role: "assistant", Content: "reply 42"})

	h42 := m.GetHistory("telegram:42")
	h43 := m.GetHistory("telegram:43")
	if len(h42) != 2 || len(h43) != 1 {
		t.Fatalf("history lengths: %d, %d", len(h42), len(h43))
	}
	for _, msg := range h43 {
		if msg.Content == "for 42" || msg.Content == "reply 42" {
			t.Fatal("history cross-contaminated")
		}
	}
}

func TestGetHistoryReturnsCopy(t *testing.T) {
	m := NewManager("")
	m.AddMessage("k", providers.Message{Role: "user", Content: "original"})
	h := m.GetHistory("k")
	h[0].Content = "mutated"
	if m.GetHistory("k")[0].Content != "original" {
		t.Fatal("GetHistory exposed internal state")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	m.AddMessage("telegram:42", providers.Message{Role: "user", Content: "hello"})
	m.UpdateMetadata("telegram:42", "model-x", "prov", "telegram")
	m.AccumulateTokens("telegram:42", 10, 5)
	if err := m.Save("telegram:42"); err != nil {
		t.Fatal(err)
	}

	// Colons in the key sanitize to underscores on disk.
	if _, err := os.Stat(filepath.Join(dir, "telegram_42.json")); err != nil {
		t.Fatalf("session file: %v", err)
	}

	m2 := NewManager(dir)
	h := m2.GetHistory("telegram:42")
	if len(h) != 1 || h[0].Content != "hello" {
		t.Fatalf("reloaded history: %+v", h)
	}
	s := m2.GetOrCreate("telegram:42")
	if s.Model != "model-x" || s.InputTokens != 10 || s.OutputTokens != 5 {
		t.Fatalf("reloaded metadata: %+v", s)
	}
}

func TestTruncateHistory(t *testing.T) {
	m := NewManager("")
	for i := 0; i < 10; i++ {
		m.AddMessage("k", providers.Message{Role: "user", Content: string(rune('a' + i))})
	}
	m.TruncateHistory("k", 3)
	h := m.GetHistory("k")
	if len(h) != 3 || h[0].Content != "h" {
		t.Fatalf("truncated history: %+v", h)
	}
	m.TruncateHistory("k", 0)
	if len(m.GetHistory("k")) != 0 {
		t.Fatal("keepLast=0 should clear")
	}
}

func TestEvictIdle(t *testing.T) {
	m := NewManager("")
	m.AddMessage("stale", providers.Message{Role: "user", Content: "old"})
	m.AddMessage("fresh", providers.Message{Role: "user", Content: "new"})

	// Backdate the stale session.
	m.mu.Lock()
	m.sessions["stale"].Updated = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	evicted := m.EvictIdle(time.Hour)
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("evicted: %v", evicted)
	}
	if m.GetHistory("stale") != nil {
		t.Fatal("stale session still present")
	}
	if len(m.GetHistory("fresh")) != 1 {
		t.Fatal("fresh session evicted")
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	m.AddMessage("telegram:42", providers.Message{Role: "user", Content: "x"})
	if err := m.Save("telegram:42"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("telegram:42"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "telegram_42.json")); !os.IsNotExist(err) {
		t.Fatal("session file survived delete")
	}
	// Deleting a missing session is not an error.
	if err := m.Delete("telegram:42"); err != nil {
		t.Fatal(err)
	}
}
