package selection

import (
	"sort"

	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/questions"
)

// Source supplies uniform draws in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Filter reports whether an item may be administered in this session.
// A nil Filter admits every item.
type Filter func(questions.Item) bool

// Selection is the outcome of one selection round.
type Selection struct {
	Item        questions.Item
	Information float64
	// Forced is set when every eligible item lost the admission lottery
	// and the most informative one was used anyway.
	Forced bool
	// Considered lists, in rank order, the items that faced the admission
	// lottery this round. The selected item is the last entry unless Forced.
	Considered []string
}

// Selector picks the most informative eligible item, subject to
// Sympson-Hetter exposure control.
type Selector struct {
	rng             Source
	exposureControl bool
}

// New returns a selector drawing from rng. With exposureControl false the
// top-ranked item is always administered and rng is not used.
func New(rng Source, exposureControl bool) *Selector {
	return &Selector{rng: rng, exposureControl: exposureControl}
}

type candidate struct {
	idx  int
	id   string
	info float64
}

// SelectNext returns the next item for an examinee at theta. ok is false
// only when no eligible item remains.
func (s *Selector) SelectNext(theta float64, administered map[string]struct{}, snap *questions.Snapshot, filter Filter) (Selection, bool) {
	ranked := rank(theta, administered, snap, filter)
	if len(ranked) == 0 {
		return Selection{}, false
	}

	if !s.exposureControl || s.rng == nil {
		top := ranked[0]
		return Selection{
			Item:        snap.At(top.idx),
			Information: top.info,
			Considered:  []string{top.id},
		}, true
	}

	considered := make([]string, 0, 4)
	for _, c := range ranked {
		it := snap.At(c.idx)
		considered = append(considered, c.id)
		if s.rng.Float64() <= it.ExposureK {
			return Selection{Item: it, Information: c.info, Considered: considered}, true
		}
	}

	top := ranked[0]
	return Selection{
		Item:        snap.At(top.idx),
		Information: top.info,
		Forced:      true,
		Considered:  considered,
	}, true
}

// rank scores eligible items by Fisher information at theta, highest first,
// ties broken by ID.
func rank(theta float64, administered map[string]struct{}, snap *questions.Snapshot, filter Filter) []candidate {
	if snap == nil {
		return nil
	}
	ranked := make([]candidate, 0, snap.Len())
	for i := 0; i < snap.Len(); i++ {
		it := snap.At(i)
		if _, done := administered[it.ID]; done {
			continue
		}
		if filter != nil && !filter(it) {
			continue
		}
		ranked = append(ranked, candidate{idx: i, id: it.ID, info: irt.Information(it.Params, theta)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].info != ranked[j].info {
			return ranked[i].info > ranked[j].info
		}
		return ranked[i].id < ranked[j].id
	})
	return ranked
}

// Eligible counts the items SelectNext could still choose from.
func Eligible(administered map[string]struct{}, snap *questions.Snapshot, filter Filter) int {
	if snap == nil {
		return 0
	}
	n := 0
	for i := 0; i < snap.Len(); i++ {
		it := snap.At(i)
		if _, done := administered[it.ID]; done {
			continue
		}
		if filter != nil && !filter(it) {
			continue
		}
		n++
	}
	return n
}
