package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the persisted and importable form of the schedule list.
type Document struct {
	Schedules []Schedule `json:"schedules"`
}

// LoadSchedules reads a schedule document from a JSON or YAML file.
func LoadSchedules(path string) ([]Schedule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return DecodeSchedules(f, ext)
}

// DecodeSchedules reads a schedule document in the given format. YAML
// documents are normalised through JSON so both formats share the same field
// names and defaults.
func DecodeSchedules(r io.Reader, format string) ([]Schedule, error) {
	var raw []byte
	switch strings.ToLower(format) {
	case "yaml", "yml":
		var doc any
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, err
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("normalise yaml: %w", err)
		}
		raw = b
	case "json":
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for _, s := range doc.Schedules {
		if err := Validate(s); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	return doc.Schedules, nil
}
