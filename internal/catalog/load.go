package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type fileSchema struct {
	Categories map[string]categorySchema `yaml:"categories"`
}

type categorySchema struct {
	Policy string                `yaml:"policy"`
	Slots  map[string]slotSchema `yaml:"slots"`
}

type slotSchema struct {
	Action   *Action  `yaml:"action"`
	Variants []string `yaml:"variants"`
}

// Load reads a catalog file, or the embedded default catalog when path is
// empty. The result is validated; a defective catalog fails here, at startup.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		data = b
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes. Unknown fields are rejected so
// typos in catalog files fail loudly.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var fs fileSchema
	if err := dec.Decode(&fs); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	c := newCatalog()
	for catName, cs := range fs.Categories {
		cat := Category(catName)
		c.policies[cat] = Policy(cs.Policy)
		for slot, ss := range cs.Slots {
			key := groupKey{category: cat, slot: slot}
			items := make([]Item, 0, len(ss.Variants))
			for i, body := range ss.Variants {
				items = append(items, Item{
					Category:     cat,
					SlotKey:      slot,
					VariantIndex: i,
					Body:         body,
					Action:       ss.Action,
				})
			}
			c.groups[key] = items
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
