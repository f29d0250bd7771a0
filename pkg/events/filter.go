package events

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Filter whitelists events by category or exact type. The zero Filter allows
// everything. Control events always pass.
type Filter struct {
	categories map[Category]struct{}
	types      map[TypeID]struct{}
}

// AllowAll returns a filter that lets every event through
func AllowAll() Filter {
	return Filter{}
}

// NewFilter builds a whitelist from categories and exact types
func NewFilter(categories []Category, types []TypeID) Filter {
	f := Filter{}
	if len(categories) > 0 {
		f.categories = make(map[Category]struct{}, len(categories))
		for _, c := range categories {
			f.categories[c] = struct{}{}
		}
	}
	if len(types) > 0 {
		f.types = make(map[TypeID]struct{}, len(types))
		for _, t := range types {
			f.types[t] = struct{}{}
		}
	}
	return f
}

// IsAll reports whether f lets everything through
func (f Filter) IsAll() bool {
	return len(f.categories) == 0 && len(f.types) == 0
}

// Allows reports whether events of type t pass the filter
func (f Filter) Allows(t TypeID) bool {
	if f.IsAll() || t.IsControl() {
		return true
	}
	if _, ok := f.categories[t.Category()]; ok {
		return true
	}
	_, ok := f.types[t]
	return ok
}

func (f Filter) String() string {
	if f.IsAll() {
		return "all"
	}
	parts := make([]string, 0, len(f.categories)+len(f.types))
	for c := range f.categories {
		parts = append(parts, c.String())
	}
	for t := range f.types {
		parts = append(parts, t.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Names returns the filter entries, nil for the allow-all filter
func (f Filter) Names() []string {
	if f.IsAll() {
		return nil
	}
	return strings.Split(f.String(), ",")
}

// ParseFilter builds a filter from names such as "neb", "storage:metric",
// "neb:host_status" or hex ids like "0x0001000e". "all" or an empty list
// yields the allow-all filter.
func ParseFilter(names []string) (Filter, error) {
	var categories []Category
	var types []TypeID

	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case name == "" || name == "all":
			return AllowAll(), nil
		case strings.HasPrefix(name, "0x"):
			v, err := strconv.ParseUint(name[2:], 16, 32)
			if err != nil {
				return Filter{}, fmt.Errorf("invalid type id %q: %w", raw, err)
			}
			types = append(types, TypeID(v))
		case strings.Contains(name, ":"):
			t, ok := typeByName(name)
			if !ok {
				return Filter{}, fmt.Errorf("unknown event type %q", raw)
			}
			types = append(types, t)
		default:
			c, ok := categoryByName(name)
			if !ok {
				return Filter{}, fmt.Errorf("unknown event category %q", raw)
			}
			categories = append(categories, c)
		}
	}
	return NewFilter(categories, types), nil
}

func categoryByName(name string) (Category, bool) {
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

func typeByName(name string) (TypeID, bool) {
	for t := range typeNames {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}
