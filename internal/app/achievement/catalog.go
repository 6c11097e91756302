package achievement

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/habitflow/xpengine/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is an immutable, validated set of achievement definitions.
type Catalog struct {
	defs []domain.Achievement
	byID map[string]int
}

type catalogFile struct {
	Achievements []domain.Achievement `yaml:"achievements"`
}

// NewCatalog validates defs and builds a catalog. IDs must be unique.
func NewCatalog(defs []domain.Achievement) (*Catalog, error) {
	c := &Catalog{
		defs: make([]domain.Achievement, 0, len(defs)),
		byID: make(map[string]int, len(defs)),
	}
	for i, def := range defs {
		if def.ID == "" {
			return nil, domain.Validation("catalog", fmt.Sprintf("achievement %d has no id", i))
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, domain.Validation("catalog", fmt.Sprintf("duplicate achievement id %q", def.ID))
		}
		if def.XPReward < 0 {
			return nil, domain.Validation("catalog", fmt.Sprintf("%s: xp_reward must be >= 0", def.ID))
		}
		if err := def.Condition.Validate(); err != nil {
			return nil, fmt.Errorf("achievement %s: %w", def.ID, err)
		}
		if def.Rarity == "" {
			def.Rarity = domain.RarityCommon
		}
		def.Condition = def.Condition.Normalized()
		def.UnlockedAt = nil
		def.Progress = 0
		c.byID[def.ID] = len(c.defs)
		c.defs = append(c.defs, def)
	}
	return c, nil
}

// ParseCatalog decodes a YAML catalog. Unknown fields are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.Validation("catalog", fmt.Sprintf("parse: %v", err))
	}
	return NewCatalog(f.Achievements)
}

// LoadCatalog reads the catalog at path, or the built-in catalog when path
// is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in achievements.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// All returns a copy of every definition in declaration order.
func (c *Catalog) All() []domain.Achievement {
	out := make([]domain.Achievement, len(c.defs))
	copy(out, c.defs)
	return out
}

// Get looks up a definition by id.
func (c *Catalog) Get(id string) (domain.Achievement, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Achievement{}, false
	}
	return c.defs[i], true
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.defs) }
