package logging

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingJSONLStore writes JSONL through lumberjack, which rotates the
// file by size and prunes backups by count and age. Queries read the
// backups, gzip-compressed or not, before the active file.
type RotatingJSONLStore struct {
	mu   sync.Mutex
	w    *lumberjack.Logger
	path string
}

// RotateOptions configures rotation. Zero values keep lumberjack defaults
// except MaxSizeMB, which defaults to 10.
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewRotatingJSONLStore creates a store with sizes in megabytes and ages in
// days.
func NewRotatingJSONLStore(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingJSONLStore, error) {
	return NewRotatingJSONLStoreWithOptions(path, RotateOptions{MaxSizeMB: maxSizeMB, MaxBackups: maxBackups, MaxAgeDays: maxAgeDays})
}

// NewRotatingJSONLStoreWithOptions creates a store from opts.
func NewRotatingJSONLStoreWithOptions(path string, opts RotateOptions) (*RotatingJSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &RotatingJSONLStore{w: w, path: path}, nil
}

// Append writes the record, rotating first when the size limit is reached.
func (s *RotatingJSONLStore) Append(_ context.Context, rec LogRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

// Query reads the rotated backups oldest first, then the active file.
func (s *RotatingJSONLStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.backups()
	if err != nil {
		return nil, err
	}
	var res []LogRecord
	for _, name := range append(files, s.path) {
		res, err = scanFile(ctx, name, q, res)
		if err != nil {
			return nil, err
		}
	}
	return limit(res, q.Limit), nil
}

// backups lists rotated files; lumberjack names embed a sortable timestamp.
func (s *RotatingJSONLStore) backups() ([]string, error) {
	ext := filepath.Ext(s.path)
	pattern := strings.TrimSuffix(s.path, ext) + "-*" + ext
	plain, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	gz, err := filepath.Glob(pattern + ".gz")
	if err != nil {
		return nil, err
	}
	files := append(plain, gz...)
	sort.Slice(files, func(i, j int) bool {
		return strings.TrimSuffix(files[i], ".gz") < strings.TrimSuffix(files[j], ".gz")
	})
	return files, nil
}

func scanFile(ctx context.Context, name string, q LogQuery, res []LogRecord) ([]LogRecord, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		// pruned by lumberjack between listing and opening
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return scan(ctx, r, q, res)
}

// Close closes the active file.
func (s *RotatingJSONLStore) Close() error {
	return s.w.Close()
}
