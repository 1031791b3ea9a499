package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/philippgille/chromem-go"
)

// fakeEmbed is a deterministic offline embedding: a small normalized vector
// derived from the text bytes. Identical text → identical vector.
func fakeEmbed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, b := range []byte(text) {
		vec[i%8] += float32(b) / 255
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := 1 / float32(mathSqrt(float64(norm)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func mathSqrt(x float64) float64 {
	// Newton's method is plenty for test vectors.
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	ws := t.TempDir()
	s := NewStore(ws, chromem.EmbeddingFunc(fakeEmbed), Options{ChunkSize: 8, ChunkOverlap: 2, TopK: 5})
	return s, ws
}

func writeDoc(t *testing.T, ws, rel, content string) string {
	t.Helper()
	path := filepath.Join(ws, "knowledge", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestAndSearch(t *testing.T) {
	s, ws := newTestStore(t)
	writeDoc(t, ws, "long_term/policy.md", "Overtime must be approved by a manager in advance. Weekend work earns time off in lieu.")

	res := s.AddPaths(context.Background(), []string{filepath.Join(ws, "knowledge", "long_term")})
	if len(res.Errors) > 0 {
		t.Fatalf("ingest errors: %v", res.Errors)
	}
	if res.Added == 0 {
		t.Fatal("nothing ingested")
	}

	hits, err := s.Search(context.Background(), "overtime approval", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Fatal("no search hits")
	}
	if hits[0].Source != "long_term/policy.md" {
		t.Fatalf("hit source = %q", hits[0].Source)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Fatal("results not sorted by distance ascending")
		}
	}
}

// Ingesting the same file twice leaves the collection count unchanged:
// deterministic chunk ids make re-ingest idempotent.
func TestIngestIdempotent(t *testing.T) {
	s, ws := newTestStore(t)
	path := writeDoc(t, ws, "long_term/notes.txt", "A fairly long note that spans several chunks. "+
		"It repeats enough content to exceed one chunk window comfortably, twice over.")

	first := s.AddPaths(context.Background(), []string{path})
	if len(first.Errors) > 0 {
		t.Fatalf("first ingest: %v", first.Errors)
	}
	countAfterFirst := s.Count()

	second := s.AddPaths(context.Background(), []string{path})
	if len(second.Errors) > 0 {
		t.Fatalf("second ingest: %v", second.Errors)
	}
	if got := s.Count(); got != countAfterFirst {
		t.Fatalf("count changed on re-ingest: %d → %d", countAfterFirst, got)
	}
}

// A document that shrinks between ingests leaves no stale chunk tail behind.
func TestReingestShrunkDocument(t *testing.T) {
	s, ws := newTestStore(t)
	path := writeDoc(t, ws, "long_term/doc.txt", "First version with plenty of text to make several chunks of content here.")
	s.AddPaths(context.Background(), []string{path})
	big := s.Count()

	writeDoc(t, ws, "long_term/doc.txt", "tiny")
	s.AddPaths(context.Background(), []string{path})
	if got := s.Count(); got >= big {
		t.Fatalf("count %d not reduced from %d after shrink", got, big)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestListSources(t *testing.T) {
	s, ws := newTestStore(t)
	writeDoc(t, ws, "long_term/a.md", "alpha document content")
	writeDoc(t, ws, "long_term/b.md", "beta document content")
	s.AddPaths(context.Background(), []string{filepath.Join(ws, "knowledge", "long_term")})

	sources := s.ListSources()
	if len(sources) != 2 {
		t.Fatalf("sources = %v", sources)
	}
	if sources[0] != "long_term/a.md" || sources[1] != "long_term/b.md" {
		t.Fatalf("sources = %v (want sorted rel paths)", sources)
	}
}

func TestUnsupportedExtensionSkipped(t *testing.T) {
	s, ws := newTestStore(t)
	path := writeDoc(t, ws, "long_term/image.png", "not really an image")
	res := s.AddPaths(context.Background(), []string{path})
	if res.Added != 0 || len(res.Errors) == 0 {
		t.Fatalf("png ingest: %+v (want an error)", res)
	}
}

func TestCleanupShortTermMissingDir(t *testing.T) {
	s, _ := newTestStore(t)
	if got := s.CleanupShortTerm(context.Background(), 7); got != 0 {
		t.Fatalf("cleanup on absent dir = %d, want 0", got)
	}
}

// Files past retention are unlinked and their chunks removed; the web cache
// subtree and fresh files are untouched.
func TestCleanupShortTermEvictsOldFiles(t *testing.T) {
	s, ws := newTestStore(t)
	oldPath := writeDoc(t, ws, "short_term/a.md", "stale short-term document with enough words for chunks")
	freshPath := writeDoc(t, ws, "short_term/fresh.md", "fresh short-term document")
	cachePath := writeDoc(t, ws, "short_term/_cache_web/web_1_abc.md", "cached web page text")

	s.AddPaths(context.Background(), []string{oldPath, freshPath})
	before := s.Count()
	chunksOfOld := 0
	for _, src := range s.ListSources() {
		if src == "short_term/a.md" {
			chunksOfOld = s.sourceCount(mainCollection, src)
		}
	}
	if chunksOfOld == 0 {
		t.Fatal("old file did not ingest")
	}

	tenDaysAgo := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, tenDaysAgo, tenDaysAgo); err != nil {
		t.Fatal(err)
	}

	if got := s.CleanupShortTerm(context.Background(), 7); got != 1 {
		t.Fatalf("cleanup removed %d files, want 1", got)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("old file still on disk")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatal("fresh file removed")
	}
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatal("web cache file removed by short-term sweep")
	}
	if got := s.Count(); got != before-chunksOfOld {
		t.Fatalf("count = %d, want %d", got, before-chunksOfOld)
	}

	// Idempotent: a second sweep finds nothing.
	if got := s.CleanupShortTerm(context.Background(), 7); got != 0 {
		t.Fatalf("second cleanup removed %d", got)
	}
}

func TestWebCacheLifecycle(t *testing.T) {
	s, ws := newTestStore(t)

	// No marker yet: eviction is due.
	if !s.ShouldClearWebCache() {
		t.Fatal("fresh store should want a cache clear")
	}

	s.AddToWebCache(context.Background(), "search result body text", "some query", "http://example.com", "web_search")
	if s.Count() == 0 {
		t.Fatal("web cache ingest added nothing")
	}
	cacheDir := filepath.Join(ws, "knowledge", WebCacheDir)
	entries, _ := os.ReadDir(cacheDir)
	files := 0
	for _, e := range entries {
		if !e.IsDir() && e.Name()[0] != '.' {
			files++
		}
	}
	if files != 1 {
		t.Fatalf("cache dir has %d files, want 1", files)
	}

	if err := s.ClearWebCache(); err != nil {
		t.Fatal(err)
	}
	if got := s.Count(); got != 0 {
		t.Fatalf("count after clear = %d", got)
	}
	entries, _ = os.ReadDir(cacheDir)
	for _, e := range entries {
		if !e.IsDir() && e.Name()[0] != '.' {
			t.Fatalf("cache file %s survived clear", e.Name())
		}
	}

	// Fresh marker: eviction no longer due.
	if s.ShouldClearWebCache() {
		t.Fatal("cache clear due immediately after clearing")
	}

	// Stale marker: due again.
	stale := strconv.FormatInt(time.Now().Add(-8*24*time.Hour).Unix(), 10)
	if err := os.WriteFile(s.cacheMarkerPath(), []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}
	if !s.ShouldClearWebCache() {
		t.Fatal("stale marker not detected")
	}
}

func TestGetDocumentRejectsEscapes(t *testing.T) {
	s, ws := newTestStore(t)
	writeDoc(t, ws, "long_term/doc.md", "document body")

	if _, err := s.GetDocument("long_term/doc.md"); err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	for _, bad := range []string{"../secrets.txt", "/etc/passwd"} {
		if _, err := s.GetDocument(bad); err == nil {
			t.Fatalf("GetDocument(%q) did not error", bad)
		}
	}
}

func TestSearchTopKBound(t *testing.T) {
	s, ws := newTestStore(t)
	for i := 0; i < 5; i++ {
		writeDoc(t, ws, fmt.Sprintf("long_term/doc%d.md", i), fmt.Sprintf("document number %d with some distinct content", i))
	}
	s.AddPaths(context.Background(), []string{filepath.Join(ws, "knowledge", "long_term")})

	hits, err := s.Search(context.Background(), "document", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) > 3 {
		t.Fatalf("got %d hits, want ≤ 3", len(hits))
	}
}
