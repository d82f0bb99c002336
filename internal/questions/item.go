package questions

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lsat-prep/adaptive/internal/irt"
)

var (
	ErrInvalidItem   = errors.New("invalid item")
	ErrStaleSnapshot = errors.New("stale snapshot")
	ErrEmptyPool     = errors.New("item pool is empty")
)

// Option is one answer choice as shown to the test-taker.
type Option struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Item is a calibrated question. Items inside a Snapshot are never mutated;
// calibration produces a new Snapshot instead.
type Item struct {
	ID     string     `json:"id" yaml:"id"`
	Params irt.Params `json:"params" yaml:"params"`
	Tags   []string   `json:"tags,omitempty" yaml:"tags"`

	// ExposureK is the Sympson-Hetter admission probability.
	ExposureK float64 `json:"exposure_k" yaml:"exposure_k"`

	// Epoch counters, reset by each calibration.
	Administrations    int64 `json:"administrations" yaml:"administrations"`
	EligibleSelections int64 `json:"eligible_selections" yaml:"eligible_selections"`

	Stem    string   `json:"stem,omitempty" yaml:"stem"`
	Options []Option `json:"options,omitempty" yaml:"options"`
}

// Validate checks the IRT and exposure parameters.
func (it Item) Validate() error {
	p := it.Params
	switch {
	case it.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidItem)
	case !(p.A > 0) || math.IsInf(p.A, 0):
		return fmt.Errorf("%w: %s: discrimination must be positive, got %v", ErrInvalidItem, it.ID, p.A)
	case math.IsNaN(p.B) || math.IsInf(p.B, 0):
		return fmt.Errorf("%w: %s: difficulty must be finite", ErrInvalidItem, it.ID)
	case !(p.C >= 0 && p.C < 1):
		return fmt.Errorf("%w: %s: guessing must be in [0,1), got %v", ErrInvalidItem, it.ID, p.C)
	case !(it.ExposureK >= 0 && it.ExposureK <= 1):
		return fmt.Errorf("%w: %s: exposure k must be in [0,1], got %v", ErrInvalidItem, it.ID, it.ExposureK)
	case it.Administrations < 0 || it.EligibleSelections < 0:
		return fmt.Errorf("%w: %s: negative exposure counters", ErrInvalidItem, it.ID)
	}
	return nil
}

// Snapshot is an immutable, versioned view of the item pool.
type Snapshot struct {
	version   int64
	createdAt time.Time
	items     []Item
	index     map[string]int
}

// NewSnapshot validates and copies items into a new snapshot. Items are
// ordered by ID so every snapshot iterates deterministically.
func NewSnapshot(version int64, items []Item) (*Snapshot, error) {
	copied := make([]Item, len(items))
	copy(copied, items)
	sort.Slice(copied, func(i, j int) bool { return copied[i].ID < copied[j].ID })

	index := make(map[string]int, len(copied))
	for i, it := range copied {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if _, dup := index[it.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, it.ID)
		}
		index[it.ID] = i
	}

	return &Snapshot{
		version:   version,
		createdAt: time.Now().UTC(),
		items:     copied,
		index:     index,
	}, nil
}

func (s *Snapshot) Version() int64 { return s.version }

func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Len returns the number of items.
func (s *Snapshot) Len() int { return len(s.items) }

// At returns the i-th item in ID order.
func (s *Snapshot) At(i int) Item { return s.items[i] }

// Lookup finds an item by ID.
func (s *Snapshot) Lookup(id string) (Item, bool) {
	i, ok := s.index[id]
	if !ok {
		return Item{}, false
	}
	return s.items[i], true
}

// Items returns a copy of all items.
func (s *Snapshot) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// ExposureUpdate carries the calibrated state for one item.
type ExposureUpdate struct {
	K                  float64
	Administrations    int64
	EligibleSelections int64
}

// WithExposure returns a new snapshot at version with updated exposure
// state. Items missing from updates keep their current values.
func (s *Snapshot) WithExposure(version int64, updates map[string]ExposureUpdate) (*Snapshot, error) {
	items := s.Items()
	for i := range items {
		u, ok := updates[items[i].ID]
		if !ok {
			continue
		}
		items[i].ExposureK = u.K
		items[i].Administrations = u.Administrations
		items[i].EligibleSelections = u.EligibleSelections
	}
	return NewSnapshot(version, items)
}

// Summary describes a snapshot for admin callers.
type Summary struct {
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	ItemCount      int       `json:"item_count"`
	MeanK          float64   `json:"mean_k"`
	MinK           float64   `json:"min_k"`
	ItemsThrottled int       `json:"items_throttled"`
}

func (s *Snapshot) Summary() Summary {
	sum := Summary{Version: s.version, CreatedAt: s.createdAt, ItemCount: len(s.items), MinK: 1}
	if len(s.items) == 0 {
		return sum
	}
	var total float64
	for _, it := range s.items {
		total += it.ExposureK
		if it.ExposureK < sum.MinK {
			sum.MinK = it.ExposureK
		}
		if it.ExposureK < 1 {
			sum.ItemsThrottled++
		}
	}
	sum.MeanK = total / float64(len(s.items))
	return sum
}
