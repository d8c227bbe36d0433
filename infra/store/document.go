// Package store persists overrides and schedules as JSON documents. The
// whole document is validated against a JSON Schema on load and rewritten
// atomically on every save.
package store

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/override"
	"github.com/kilianp07/ems/core/scheduler"
)

//go:embed schemas/*.json
var schemas embed.FS

// Document is a JSON file holding a single list under key.
type Document[T any] struct {
	path   string
	key    string
	schema *jsonschema.Schema
	clock  clock.Clock
	stamp  bool

	mu sync.Mutex
}

func newDocument[T any](path, key, schemaFile string, stamp bool, clk clock.Clock) (*Document[T], error) {
	if path == "" {
		return nil, errors.New("store: empty path")
	}
	sch, err := compileSchema(schemaFile)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Document[T]{path: path, key: key, schema: sch, clock: clk, stamp: stamp}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemas.ReadFile("schemas/" + name)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return c.Compile(name)
}

// NewOverrideStore persists overrides in path as {"overrides": [...],
// "last_updated": ...}.
func NewOverrideStore(path string, clk clock.Clock) (*Document[override.Override], error) {
	return newDocument[override.Override](path, "overrides", "overrides.json", true, clk)
}

// NewScheduleStore persists schedules in path as {"schedules": [...]}.
func NewScheduleStore(path string) (*Document[scheduler.Schedule], error) {
	return newDocument[scheduler.Schedule](path, "schedules", "schedules.json", false, nil)
}

// Path returns the document location.
func (d *Document[T]) Path() string { return d.path }

// Load reads the document. A missing file is an empty list.
func (d *Document[T]) Load() ([]T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	var items []T
	if list, ok := doc[d.key]; ok {
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, fmt.Errorf("%s: %w", d.path, err)
		}
	}
	return items, nil
}

// Save rewrites the whole document through a temporary file and rename.
func (d *Document[T]) Save(items []T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if items == nil {
		items = []T{}
	}
	doc := map[string]any{d.key: items}
	if d.stamp {
		doc["last_updated"] = d.clock.Now().Format(time.RFC3339)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.path)
}
