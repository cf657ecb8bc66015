// Package pricing loads the trade cost catalog used to price measurements.
package pricing

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rate is the unit price of one trade category.
type Rate struct {
	Category  string  `yaml:"name" json:"category"`
	Division  string  `yaml:"division" json:"division,omitempty"`
	UnitPrice float64 `yaml:"unit_price" json:"unitPrice"`
	Unit      string  `yaml:"unit" json:"unit,omitempty"`
	Color     string  `yaml:"color" json:"color,omitempty"`
}

// Catalog maps categories to rates. The zero value is an empty catalog.
type Catalog struct {
	Currency         string  `yaml:"currency" json:"currency"`
	DefaultUnitPrice float64 `yaml:"default_unit_price" json:"defaultUnitPrice"`
	Categories       []Rate  `yaml:"categories" json:"categories"`

	index map[string]int
}

// Load reads a YAML catalog file. A missing file yields an empty catalog.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads a YAML catalog.
func Parse(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing pricing catalog: %w", err)
	}

	c.index = make(map[string]int, len(c.Categories))
	for i, rate := range c.Categories {
		key := normalize(rate.Category)
		if key == "" {
			return nil, fmt.Errorf("pricing catalog entry %d has no name", i)
		}
		if rate.UnitPrice < 0 {
			return nil, fmt.Errorf("pricing catalog entry %q has a negative unit price", rate.Category)
		}
		if _, dup := c.index[key]; dup {
			return nil, fmt.Errorf("pricing catalog lists %q twice", rate.Category)
		}
		c.index[key] = i
	}
	return &c, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Lookup finds the rate of category, ignoring case and surrounding spaces.
func (c *Catalog) Lookup(category string) (Rate, bool) {
	if c == nil || c.index == nil {
		return Rate{}, false
	}
	i, ok := c.index[normalize(category)]
	if !ok {
		return Rate{}, false
	}
	return c.Categories[i], true
}

// UnitPrice returns the catalog price of category, or the default price.
func (c *Catalog) UnitPrice(category string) float64 {
	if rate, ok := c.Lookup(category); ok {
		return rate.UnitPrice
	}
	if c == nil {
		return 0
	}
	return c.DefaultUnitPrice
}

// Sorted returns the rates ordered by division then name.
func (c *Catalog) Sorted() []Rate {
	if c == nil {
		return nil
	}
	out := append([]Rate(nil), c.Categories...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Division != out[j].Division {
			return out[i].Division < out[j].Division
		}
		return out[i].Category < out[j].Category
	})
	return out
}
