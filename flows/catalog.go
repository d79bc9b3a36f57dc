package flows

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/forechoandlook/stepflow"
)

// Catalog resolves flow identifiers to definitions
type Catalog interface {
	Lookup(id string) (*Definition, error)
	List() []*Definition
}

// MemoryCatalog keeps named definitions in memory
type MemoryCatalog struct {
	mu    sync.RWMutex
	flows map[string]*Definition
}

var _ Catalog = (*MemoryCatalog)(nil)

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		flows: make(map[string]*Definition),
	}
}

// Register validates and stores a copy of def under its id
func (c *MemoryCatalog) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		return fmt.Errorf("%w: catalog flows need an id",
			stepflow.ErrMalformedRequest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[def.ID] = def.Clone()
	return nil
}

func (c *MemoryCatalog) Lookup(id string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stepflow.ErrFlowNotFound, id)
	}
	return def.Clone(), nil
}

func (c *MemoryCatalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.flows))
	for id := range c.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := make([]*Definition, 0, len(ids))
	for _, id := range ids {
		res = append(res, c.flows[id].Clone())
	}
	return res
}

// LoadDir registers every flow file found directly inside dir. YAML, JSON
// and line DSL (.flow) files are understood; other files are skipped.
func (c *MemoryCatalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "read flow dir %s", dir)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if errors.Is(err, errUnknownFormat) {
			continue
		}
		if err != nil {
			return count, err
		}
		if err := c.Register(def); err != nil {
			return count, errors.Wrapf(err, "register flow %s", path)
		}
		count++
	}
	return count, nil
}

var errUnknownFormat = errors.New("unknown flow file format")

// LoadFile parses a single flow file. The flow id defaults to the file
// name without its extension.
func LoadFile(path string) (*Definition, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json", ".flow":
	default:
		return nil, errUnknownFormat
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load flow %s", path)
	}

	def, err := Parse(ext, data)
	if err != nil {
		return nil, errors.Wrapf(err, "load flow %s", path)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// Parse decodes a definition in the format named by ext
func Parse(ext string, data []byte) (*Definition, error) {
	var def Definition
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, errors.Wrap(err, "decode yaml")
		}
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, errors.Wrap(err, "decode json")
		}
	case ".flow":
		return ParseDSL(string(data))
	default:
		return nil, errUnknownFormat
	}
	return &def, nil
}
