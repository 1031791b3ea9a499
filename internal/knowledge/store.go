// Package knowledge implements the local RAG store: documents are chunked,
// embedded, and kept in two vector collections — a long-lived main collection
// and a TTL-evicted web cache — backed by an embedded persistent index under
// the workspace.
package knowledge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

const (
	mainCollection     = "kb_main"
	webCacheCollection = "kb_web_cache"

	// Directory layout under <workspace>/knowledge/.
	LongTermDir  = "long_term"
	ShortTermDir = "short_term"
	WebCacheDir  = "short_term/_cache_web"

	webCacheTTL = 7 * 24 * time.Hour
)

// Options tunes chunking and retrieval.
type Options struct {
	ChunkSize    int // tokens per chunk
	ChunkOverlap int // tokens shared between consecutive chunks
	TopK         int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 512
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = 200
	}
	if o.TopK <= 0 {
		o.TopK = 5
	}
	return o
}

// SearchResult is one retrieved chunk.
type SearchResult struct {
	Content  string  `json:"content"`
	Source   string  `json:"source"`
	Chunk    int     `json:"chunk"`
	Distance float64 `json:"distance"`
}

// IngestResult summarizes one ingest call.
type IngestResult struct {
	Added   int      `json:"added"`
	Skipped []string `json:"skipped"`
	Errors  []string `json:"errors"`
}

// Store owns the two collections and the on-disk knowledge directories.
// Safe for concurrent use; the underlying index handles its own locking and
// the source listing is guarded here.
type Store struct {
	workspace string
	opts      Options
	embed     chromem.EmbeddingFunc

	initOnce sync.Once
	initErr  error
	db       *chromem.DB
	main     *chromem.Collection
	webCache *chromem.Collection

	srcMu sync.Mutex // guards the sources sidecar file
}

// NewStore creates a store rooted at workspace. The index itself opens
// lazily on first use.
func NewStore(workspace string, embed chromem.EmbeddingFunc, opts Options) *Store {
	return &Store{workspace: workspace, opts: opts.withDefaults(), embed: embed}
}

func (s *Store) dbPath() string        { return filepath.Join(s.workspace, "knowledge_db") }
func (s *Store) knowledgeDir() string  { return filepath.Join(s.workspace, "knowledge") }
func (s *Store) sourcesPath() string   { return filepath.Join(s.dbPath(), "sources.json") }
func (s *Store) cacheMarkerPath() string {
	return filepath.Join(s.knowledgeDir(), WebCacheDir, ".last_cleanup")
}

func (s *Store) init() error {
	s.initOnce.Do(func() {
		if err := os.MkdirAll(s.dbPath(), 0755); err != nil {
			s.initErr = fmt.Errorf("create knowledge db dir: %w", err)
			return
		}
		db, err := chromem.NewPersistentDB(s.dbPath(), false)
		if err != nil {
			s.initErr = fmt.Errorf("open vector db: %w", err)
			return
		}
		main, err := db.GetOrCreateCollection(mainCollection, nil, s.embed)
		if err != nil {
			s.initErr = fmt.Errorf("create main collection: %w", err)
			return
		}
		wc, err := db.GetOrCreateCollection(webCacheCollection, nil, s.embed)
		if err != nil {
			s.initErr = fmt.Errorf("create web cache collection: %w", err)
			return
		}
		s.db, s.main, s.webCache = db, main, wc
		slog.Info("knowledge store opened",
			"path", s.dbPath(), "main_chunks", main.Count(), "web_cache_chunks", wc.Count())
	})
	return s.initErr
}

// relSource maps an absolute file path to the source key stored in chunk
// metadata: relative to <workspace>/knowledge when the file lives under it,
// otherwise relative to root (the ingest argument).
func (s *Store) relSource(path, root string) string {
	if rel, err := filepath.Rel(s.knowledgeDir(), path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}

// AddPaths ingests files and directories: load, chunk, embed, add. Chunk ids
// are deterministic "<source>_<index>", and prior chunks of the same source
// are removed first, so re-ingesting a path leaves the collection count
// unchanged.
func (s *Store) AddPaths(ctx context.Context, paths []string) IngestResult {
	res := IngestResult{}
	if err := s.init(); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("not found: %s", abs))
			continue
		}

		var files []string
		root := filepath.Dir(abs)
		if info.IsDir() {
			root = abs
			filepath.Walk(abs, func(path string, fi os.FileInfo, err error) error {
				if err != nil || fi.IsDir() {
					return nil
				}
				if SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
					files = append(files, path)
				}
				return nil
			})
		} else {
			files = []string{abs}
		}

		for _, fp := range files {
			added, err := s.ingestFile(ctx, fp, root)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", fp, err))
				continue
			}
			if added == 0 {
				res.Skipped = append(res.Skipped, fp)
				continue
			}
			res.Added += added
		}
	}
	return res
}

func (s *Store) ingestFile(ctx context.Context, path, root string) (int, error) {
	text, err := loadDocument(path)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	source := s.relSource(path, root)
	chunks := chunkText(text, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := s.addChunks(ctx, s.main, mainCollection, source, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (s *Store) addChunks(ctx context.Context, coll *chromem.Collection, collName, source string, chunks []string) error {
	// Replace any prior chunks of this source so a shrunk document leaves no
	// stale tail behind.
	if prior := s.sourceCount(collName, source); prior > 0 {
		if err := coll.Delete(ctx, map[string]string{"source": source}, nil); err != nil {
			slog.Warn("knowledge: delete prior chunks failed", "source", source, "error", err)
		}
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, chromem.Document{
			ID:      fmt.Sprintf("%s_%d", source, i),
			Content: c,
			Metadata: map[string]string{
				"source": source,
				"chunk":  strconv.Itoa(i),
			},
		})
	}
	if err := coll.AddDocuments(ctx, docs, 4); err != nil {
		return fmt.Errorf("add chunks: %w", err)
	}
	s.setSourceCount(collName, source, len(chunks))
	return nil
}

// AddToWebCache writes text fetched from the web into the cache directory
// (with a frontmatter header recording query/url/tool) and indexes it into
// the web-cache collection. Best effort: failures log and return.
func (s *Store) AddToWebCache(ctx context.Context, text, query, url, toolName string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.init(); err != nil {
		slog.Warn("knowledge: web cache unavailable", "error", err)
		return
	}
	cacheDir := filepath.Join(s.knowledgeDir(), WebCacheDir)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		slog.Warn("knowledge: create web cache dir failed", "error", err)
		return
	}
	ts := time.Now().Unix()
	sum := md5.Sum([]byte(fmt.Sprintf("%s%s_%d", query, url, ts)))
	fname := fmt.Sprintf("web_%d_%s.md", ts, hex.EncodeToString(sum[:])[:12])
	header := fmt.Sprintf("---\nquery: %s\nurl: %s\ntool: %s\ntimestamp: %d\n---\n\n", query, url, toolName, ts)
	path := filepath.Join(cacheDir, fname)
	if err := os.WriteFile(path, []byte(header+strings.TrimSpace(text)), 0644); err != nil {
		slog.Warn("knowledge: web cache write failed", "path", path, "error", err)
		return
	}

	chunks := chunkText(text, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return
	}
	source := WebCacheDir + "/" + fname
	if err := s.addChunks(ctx, s.webCache, webCacheCollection, source, chunks); err != nil {
		slog.Warn("knowledge: web cache index failed", "source", source, "error", err)
	}
}

// Search embeds the query once, queries both collections, merges by distance
// ascending, and returns the top k.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	k := topK
	if k <= 0 {
		k = s.opts.TopK
	}
	qEmb, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var out []SearchResult
	for _, coll := range []*chromem.Collection{s.main, s.webCache} {
		n := coll.Count()
		if n == 0 {
			continue
		}
		limit := k
		if limit > n {
			limit = n
		}
		results, err := coll.QueryEmbedding(ctx, qEmb, limit, nil, nil)
		if err != nil {
			slog.Warn("knowledge: collection query failed", "error", err)
			continue
		}
		for _, r := range results {
			chunkIdx, _ := strconv.Atoi(r.Metadata["chunk"])
			out = append(out, SearchResult{
				Content:  r.Content,
				Source:   r.Metadata["source"],
				Chunk:    chunkIdx,
				Distance: 1 - float64(r.Similarity),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Count returns the total chunk count across both collections.
func (s *Store) Count() int {
	if err := s.init(); err != nil {
		return 0
	}
	return s.main.Count() + s.webCache.Count()
}

// ListSources returns the unique source keys across both collections.
func (s *Store) ListSources() []string {
	if err := s.init(); err != nil {
		return nil
	}
	idx := s.loadSources()
	set := make(map[string]bool)
	for _, sources := range idx {
		for src := range sources {
			set[src] = true
		}
	}
	out := make([]string, 0, len(set))
	for src := range set {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// ClearWebCache deletes the cache directory's files, drops the web-cache
// collection, and writes a fresh cleanup marker.
func (s *Store) ClearWebCache() error {
	if err := s.init(); err != nil {
		return err
	}
	cacheDir := filepath.Join(s.knowledgeDir(), WebCacheDir)
	entries, _ := os.ReadDir(cacheDir)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		os.Remove(filepath.Join(cacheDir, e.Name()))
	}

	if err := s.db.DeleteCollection(webCacheCollection); err != nil {
		slog.Warn("knowledge: delete web cache collection failed", "error", err)
	}
	wc, err := s.db.GetOrCreateCollection(webCacheCollection, nil, s.embed)
	if err != nil {
		return fmt.Errorf("recreate web cache collection: %w", err)
	}
	s.webCache = wc

	s.srcMu.Lock()
	idx := s.loadSourcesLocked()
	delete(idx, webCacheCollection)
	s.saveSourcesLocked(idx)
	s.srcMu.Unlock()

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return err
	}
	marker := fmt.Sprintf("%d", time.Now().Unix())
	if err := os.WriteFile(s.cacheMarkerPath(), []byte(marker), 0644); err != nil {
		return err
	}
	slog.Info("knowledge: web cache cleared")
	return nil
}

// ShouldClearWebCache reports whether the weekly TTL marker is absent or
// stale.
func (s *Store) ShouldClearWebCache() bool {
	data, err := os.ReadFile(s.cacheMarkerPath())
	if err != nil {
		return true
	}
	last, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(last, 0)) >= webCacheTTL
}

// CleanupShortTerm removes files under knowledge/short_term/ (excluding the
// web cache) whose mtime is older than the retention cutoff, deleting their
// chunks from the main collection first. Best effort; returns the number of
// files removed. A missing directory is not an error.
func (s *Store) CleanupShortTerm(ctx context.Context, retentionDays int) int {
	shortDir := filepath.Join(s.knowledgeDir(), ShortTermDir)
	if _, err := os.Stat(shortDir); os.IsNotExist(err) {
		return 0
	}
	if err := s.init(); err != nil {
		return 0
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	deleted := 0
	filepath.Walk(shortDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(shortDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "_cache_web") {
			return nil
		}
		if !fi.ModTime().Before(cutoff) {
			return nil
		}
		source := ShortTermDir + "/" + rel
		if err := s.main.Delete(ctx, map[string]string{"source": source}, nil); err != nil {
			slog.Warn("knowledge: cleanup delete chunks failed", "source", source, "error", err)
		} else {
			s.setSourceCount(mainCollection, source, 0)
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("knowledge: cleanup unlink failed", "path", path, "error", err)
			return nil
		}
		deleted++
		return nil
	})
	if deleted > 0 {
		slog.Info("knowledge: short-term cleanup", "removed", deleted, "retention_days", retentionDays)
	}
	return deleted
}

// GetDocument returns the raw text of a source previously ingested, resolved
// against the knowledge directory.
func (s *Store) GetDocument(source string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(source))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid source path %q", source)
	}
	return loadDocument(filepath.Join(s.knowledgeDir(), clean))
}

// --- sources sidecar ---
//
// The vector index exposes no listing primitive, so the store keeps a small
// sidecar mapping collection → source → chunk count, updated on every
// ingest/delete.

func (s *Store) loadSources() map[string]map[string]int {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	return s.loadSourcesLocked()
}

func (s *Store) loadSourcesLocked() map[string]map[string]int {
	idx := make(map[string]map[string]int)
	data, err := os.ReadFile(s.sourcesPath())
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return make(map[string]map[string]int)
	}
	return idx
}

func (s *Store) saveSourcesLocked(idx map[string]map[string]int) {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return
	}
	tmp := s.sourcesPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	os.Rename(tmp, s.sourcesPath())
}

func (s *Store) sourceCount(collection, source string) int {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	idx := s.loadSourcesLocked()
	return idx[collection][source]
}

func (s *Store) setSourceCount(collection, source string, count int) {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	idx := s.loadSourcesLocked()
	if count <= 0 {
		delete(idx[collection], source)
	} else {
		if idx[collection] == nil {
			idx[collection] = make(map[string]int)
		}
		idx[collection][source] = count
	}
	s.saveSourcesLocked(idx)
}
