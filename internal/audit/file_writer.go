package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

// FileWriter appends events as JSON lines to a file rotated by UTC day.
type FileWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
	enc  *json.Encoder
}

func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w := &FileWriter{dir: dir, now: time.Now}
	if err := w.rotate(w.now().UTC().Format("2006-01-02")); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) Name() string { return "file" }

func (w *FileWriter) Write(_ context.Context, ev *model.SecurityEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := ev.Timestamp.UTC().Format("2006-01-02")
	if ev.Timestamp.IsZero() {
		day = w.now().UTC().Format("2006-01-02")
	}
	if day != w.day {
		if err := w.rotate(day); err != nil {
			return err
		}
	}
	return w.enc.Encode(ev)
}

func (w *FileWriter) rotate(day string) error {
	filename := filepath.Join(w.dir, "security-"+day+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = f
	w.enc = json.NewEncoder(f)
	w.day = day
	return nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
