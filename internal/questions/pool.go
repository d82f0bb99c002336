package questions

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ItemRepository is the persistence collaborator for calibrated items.
type ItemRepository interface {
	// LoadItems returns the active items and the latest published pool version.
	LoadItems(ctx context.Context) (int64, []Item, error)
	// SaveCalibration durably records the exposure state of snap.
	SaveCalibration(ctx context.Context, snap *Snapshot, runID string) error
	// RecordVersion claims version for a reload that was not produced by a
	// calibration. It fails if the version is already taken.
	RecordVersion(ctx context.Context, version int64) error
}

// Pool holds the current snapshot. Readers take the pointer once and keep
// using that snapshot; publishers swap in a whole new one.
type Pool struct {
	current atomic.Pointer[Snapshot]
}

// NewPool returns a pool serving initial, which may be nil until the first load.
func NewPool(initial *Snapshot) *Pool {
	p := &Pool{}
	if initial != nil {
		p.current.Store(initial)
	}
	return p
}

// Current returns the snapshot new sessions should use, or nil if none is loaded.
func (p *Pool) Current() *Snapshot {
	return p.current.Load()
}

// Publish swaps in next if its version is newer than the current one.
func (p *Pool) Publish(next *Snapshot) error {
	if next == nil {
		return fmt.Errorf("publish snapshot: %w", ErrEmptyPool)
	}
	for {
		cur := p.current.Load()
		if cur != nil && next.Version() <= cur.Version() {
			return fmt.Errorf("publish version %d over %d: %w", next.Version(), cur.Version(), ErrStaleSnapshot)
		}
		if p.current.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Reload reads items from repo and publishes them at the repository's
// version. When that version is not newer than the one being served, the
// items are republished at the next version and that version is recorded in
// repo first, so every replica numbers the same pool state the same way.
func (p *Pool) Reload(ctx context.Context, repo ItemRepository) (*Snapshot, error) {
	version, items, err := repo.LoadItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyPool
	}

	snap, err := NewSnapshot(version, items)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	if cur := p.Current(); cur != nil && version <= cur.Version() {
		if snap, err = NewSnapshot(cur.Version()+1, items); err != nil {
			return nil, fmt.Errorf("build snapshot: %w", err)
		}
		if err := repo.RecordVersion(ctx, snap.Version()); err != nil {
			return nil, fmt.Errorf("record pool version %d: %w", snap.Version(), err)
		}
	}
	if err := p.Publish(snap); err != nil {
		return nil, err
	}
	return snap, nil
}
