package knowledge

import (
	"strings"
	"testing"
)

func TestChunkTextEmpty(t *testing.T) {
	if got := chunkText("", 10, 2); got != nil {
		t.Fatalf("empty text produced %d chunks", len(got))
	}
	if got := chunkText("   \n\t ", 10, 2); got != nil {
		t.Fatalf("whitespace text produced %d chunks", len(got))
	}
}

func TestChunkTextShorterThanWindow(t *testing.T) {
	got := chunkText("short", 512, 200)
	if len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %v, want single chunk", got)
	}
}

// Coverage law: every non-whitespace character of the input appears in at
// least one chunk.
func TestChunkTextCoversInput(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
	}{
		{"ascii", strings.Repeat("the quick brown fox ", 50), 20, 5},
		{"cjk", strings.Repeat("商网网关消息总线调度器知识库", 40), 16, 4},
		{"no overlap", strings.Repeat("abcdefghij", 30), 10, 0},
		{"tiny step", strings.Repeat("x y ", 25), 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkText(tt.text, tt.size, tt.overlap)
			if len(chunks) == 0 {
				t.Fatal("no chunks")
			}
			joined := strings.Join(chunks, "")
			for _, r := range tt.text {
				if r == ' ' || r == '\n' || r == '\t' {
					continue
				}
				if !strings.ContainsRune(joined, r) {
					t.Fatalf("rune %q missing from all chunks", r)
				}
			}
		})
	}
}

// Consecutive chunks share the configured overlap region.
func TestChunkTextOverlap(t *testing.T) {
	// 40 distinct runes, window 10 tokens (20 chars), overlap 3 tokens (6 chars).
	text := "abcdefghijklmnopqrstuvwxyz0123456789ABCD"
	chunks := chunkText(text, 10, 3)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		tail := chunks[i-1][len(chunks[i-1])-6:]
		if !strings.HasPrefix(chunks[i], tail) {
			t.Fatalf("chunk %d does not start with previous tail %q: %q", i, tail, chunks[i])
		}
	}
}
