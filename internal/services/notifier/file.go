package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/authkeeper/internal/models"
)

// FileChannel appends events to a JSON-lines log
type FileChannel struct {
	enabled  bool
	minLevel models.Level
	path     string
	mu       sync.Mutex
}

func NewFileChannel(enabled bool, minLevel, path string) *FileChannel {
	return &FileChannel{enabled: enabled, minLevel: models.ParseLevel(minLevel), path: path}
}

func (f *FileChannel) Name() string { return "file" }
func (f *FileChannel) Enabled() bool { return f.enabled }
func (f *FileChannel) Available() bool { return f.path != "" }
func (f *FileChannel) MinLevel() models.Level { return f.minLevel }

func (f *FileChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create notification log directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open notification log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("failed to write notification log: %w", err)
	}
	return nil
}
