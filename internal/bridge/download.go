package bridge

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomrelay/loomrelay/pkg/protocol"
)

const downloadMaxBytes = 50 * 1024 * 1024

// downloadAttachment runs the fallback chain for one attachment:
// direct HTTP → in-page fetch (session cookies) → simulated click →
// configured local cache copy. A fully failed chain still returns a MediaRef
// carrying the failure note — download failures never block delivery.
func (s *BridgeServer) downloadAttachment(att *Attachment, idClient string) *protocol.MediaRef {
	ref := &protocol.MediaRef{
		URL:      att.URL,
		Filename: att.Name,
	}
	if att.IsImage {
		ref.ContentType = "image/" + strings.TrimPrefix(att.Ext, ".")
	}

	dir := s.cfg.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "shangwang-bridge")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		ref.Note = "download failed: " + err.Error()
		return ref
	}
	dest := filepath.Join(dir, safeFilename(att, idClient))

	// 1. Direct HTTP.
	status, err := downloadDirect(att.URL, dest)
	if err == nil {
		ref.Path = dest
		return ref
	}
	slog.Debug("direct download failed", "url", truncate(att.URL, 60), "status", status, "error", err)

	// 2. Auth-shaped failures: fetch inside the page so its cookies apply.
	if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusProxyAuthRequired {
		if data, err := s.cdp.PageFetch(att.URL); err == nil {
			if raw, decErr := base64.StdEncoding.DecodeString(data); decErr == nil && len(raw) > 0 {
				if writeErr := os.WriteFile(dest, raw, 0644); writeErr == nil {
					ref.Path = dest
					return ref
				}
			}
		} else {
			slog.Debug("page fetch failed", "error", err)
		}
	}

	// 3. Simulate click-to-download, then give the app a moment to write the
	// file into its own download directory.
	if idClient != "" {
		if err := s.cdp.ClickDownload(idClient); err == nil {
			time.Sleep(2 * time.Second)
		} else {
			slog.Debug("click download failed", "error", err)
		}
	}

	// 4. Copy from the configured local cache (the app's own download dir).
	if s.cfg.LocalCacheDir != "" && att.Name != "" {
		src := filepath.Join(s.cfg.LocalCacheDir, att.Name)
		if copyFile(src, dest) == nil {
			ref.Path = dest
			return ref
		}
	}

	ref.Note = "download failed; file only available inside the IM client"
	return ref
}

func downloadDirect(url, dest string) (int, error) {
	if url == "" {
		return 0, fmt.Errorf("no url")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("http %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return resp.StatusCode, err
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(resp.Body, downloadMaxBytes)); err != nil {
		os.Remove(dest)
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func safeFilename(att *Attachment, idClient string) string {
	name := att.Name
	if name == "" {
		name = idClient
		if att.Ext != "" {
			name += "." + strings.TrimPrefix(att.Ext, ".")
		}
	}
	if name == "" {
		name = fmt.Sprintf("attachment_%d", time.Now().UnixNano())
	}
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
