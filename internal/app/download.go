package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// DownloadAttachment fetches att and writes it into the download
// directory under a sanitized, non-clashing file name. It returns the
// written path.
func (a *App) DownloadAttachment(ctx context.Context, att model.Attachment) (string, error) {
	if !a.Connected() {
		return "", nil
	}

	path, err := a.download(ctx, att)
	if err != nil {
		a.setStatus("Download failed: " + err.Error())
		folder := ""
		if key, ok := a.currentKey(); ok {
			folder = key.String()
		}
		a.record(ctx, folder, model.EventDownloadFailed, fmt.Sprintf("%s: %v", att.Name, err))
		return "", err
	}

	a.logger.Info().Str("path", path).Int64("size", att.Size).Msg("attachment saved")
	return path, nil
}

func (a *App) download(ctx context.Context, att model.Attachment) (string, error) {
	data, _, err := a.client.FetchBlob(ctx, att.BlobID, att.Name)
	if err != nil {
		return "", err
	}

	dir := a.downloadDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory %s: %w", dir, err)
	}

	path, err := uniquePath(dir, SanitizeFilename(att.Name))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// SanitizeFilename reduces name to a safe base name. Reserved and
// control characters become underscores; leading dots and surrounding
// spaces are trimmed.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return '_'
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	return name
}

// uniquePath returns dir/name, or dir/"base (n).ext" for the first n
// that does not exist yet.
func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		path := filepath.Join(dir, candidate)
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
