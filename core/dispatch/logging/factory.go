package logging

import "fmt"

// Config selects the decision log backend.
type Config struct {
	Backend    string `json:"backend"` // "none", "jsonl", "rotating" or "sqlite"
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	// Compress gzips rotated backups.
	Compress bool `json:"compress"`
}

// New opens the configured store. An empty or "none" backend returns nil.
func New(cfg Config) (LogStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "jsonl":
		return NewJSONLStore(cfg.Path)
	case "rotating":
		return NewRotatingJSONLStoreWithOptions(cfg.Path, RotateOptions{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown decision log backend %q", cfg.Backend)
	}
}
