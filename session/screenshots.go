package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

type (
	// ScreenshotStore persists captured screenshots and returns opaque
	// references. Results carry the reference, never the bytes.
	ScreenshotStore interface {
		// Save persists one encoded image for a room and returns its
		// reference.
		Save(ctx context.Context, room string, data []byte) (string, error)
	}

	// FileScreenshotStore writes screenshots under a local directory. The
	// returned reference is the file path.
	FileScreenshotStore struct {
		dir string

		mu      sync.Mutex
		created map[string]bool
	}
)

// NewFileScreenshotStore returns a store rooted at dir. An empty dir uses a
// directory under the OS temp dir.
func NewFileScreenshotStore(dir string) *FileScreenshotStore {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pilot-screenshots")
	}
	return &FileScreenshotStore{dir: dir, created: make(map[string]bool)}
}

// Save implements ScreenshotStore.
func (s *FileScreenshotStore) Save(_ context.Context, room string, data []byte) (string, error) {
	roomDir := filepath.Join(s.dir, room)
	s.mu.Lock()
	if !s.created[roomDir] {
		if err := os.MkdirAll(roomDir, 0o755); err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("create screenshot dir: %w", err)
		}
		s.created[roomDir] = true
	}
	s.mu.Unlock()

	name := filepath.Join(roomDir, uuid.NewString()+".png")
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return name, nil
}
