package questions

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lsat-prep/adaptive/internal/irt"
)

// ── Item Files ──────────────────────────────────────────

type fileItem struct {
	ID      string     `yaml:"id"`
	Params  irt.Params `yaml:"params"`
	Tags    []string   `yaml:"tags"`
	Stem    string     `yaml:"stem"`
	Options []Option   `yaml:"options"`
	// Omitted means a fresh item that starts fully admissible.
	ExposureK *float64 `yaml:"exposure_k"`
}

type itemFile struct {
	Items []fileItem `yaml:"items"`
}

// ParseItemFile decodes a YAML item bank and validates it as a snapshot
// would, so a file that parses here can be imported and served.
func ParseItemFile(data []byte) ([]Item, error) {
	var f itemFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse item file: %w", err)
	}
	if len(f.Items) == 0 {
		return nil, ErrEmptyPool
	}

	items := make([]Item, len(f.Items))
	for i, fi := range f.Items {
		k := 1.0
		if fi.ExposureK != nil {
			k = *fi.ExposureK
		}
		items[i] = Item{
			ID:        fi.ID,
			Params:    fi.Params,
			Tags:      fi.Tags,
			ExposureK: k,
			Stem:      fi.Stem,
			Options:   fi.Options,
		}
	}
	if _, err := NewSnapshot(0, items); err != nil {
		return nil, err
	}
	return items, nil
}

func LoadItemFile(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read item file: %w", err)
	}
	return ParseItemFile(data)
}
