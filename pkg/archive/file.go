package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes payloads under a local directory.
type FileSink struct {
	root string
}

func NewFileSink(root string) *FileSink {
	return &FileSink{root: strings.TrimSpace(root)}
}

// Put writes data atomically: a temp file in the target directory is
// renamed into place.
func (s *FileSink) Put(ctx context.Context, key string, data []byte) error {
	if s.root == "" {
		return fmt.Errorf("archive dir is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	finalPath := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(finalPath, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return fmt.Errorf("archive key escapes root: %s", key)
	}
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename archive file: %w", err)
	}
	return nil
}
