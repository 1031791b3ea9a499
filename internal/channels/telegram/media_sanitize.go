package telegram

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
)

// sanitizeImage re-encodes a downloaded image, dropping any metadata and
// verifying the bytes actually decode as an image before they reach the
// vision pipeline. Returns the path of the re-encoded file.
func sanitizeImage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	ext := ".jpg"
	if format == "png" {
		ext = ".png"
	}
	out, err := os.CreateTemp("", "loomrelay_img_*"+ext)
	if err != nil {
		return "", err
	}
	defer out.Close()

	switch ext {
	case ".png":
		err = png.Encode(out, img)
	default:
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("encode image: %w", err)
	}

	// The original download is no longer needed once re-encoded.
	if filepath.Clean(out.Name()) != filepath.Clean(path) && strings.HasPrefix(filepath.Base(path), "loomrelay_media_") {
		os.Remove(path)
	}
	return out.Name(), nil
}
