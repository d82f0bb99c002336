package selection

import "github.com/lsat-prep/adaptive/internal/questions"

// TagFilter admits items carrying at least one include tag (any item when
// include is empty) and none of the exclude tags. It returns nil when both
// lists are empty.
func TagFilter(include, exclude []string) Filter {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	inc := toSet(include)
	exc := toSet(exclude)
	return func(it questions.Item) bool {
		matched := len(inc) == 0
		for _, tag := range it.Tags {
			if _, bad := exc[tag]; bad {
				return false
			}
			if _, ok := inc[tag]; ok {
				matched = true
			}
		}
		return matched
	}
}

// All combines filters; an item must pass each non-nil one.
func All(filters ...Filter) Filter {
	var active []Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(it questions.Item) bool {
		for _, f := range active {
			if !f(it) {
				return false
			}
		}
		return true
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
