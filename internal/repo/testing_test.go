package repo

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/orivault/corevault/internal/config"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Repo.LargeBlobThreshold = 64

	root := filepath.Join(dir, "repo")
	if err := Init(root, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := Open(root, cfg, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}
