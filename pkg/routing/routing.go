// Package routing maps aliases (logical names of mapped entity families)
// onto the sub-indexes that store them.
//
// The relation is many-to-many: an alias may be sharded over several
// sub-indexes, and a sub-index may hold several aliases. Aliases can extend
// one another; polymorphic resolution of an alias includes the sub-indexes
// of every alias that extends it, directly or transitively.
//
// A Table is built once and is read-only afterwards, so it is safe for
// concurrent use without locking.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Sentinel errors.
var (
	// ErrUnknownAlias is returned when an alias has no mapping.
	ErrUnknownAlias = errors.New("routing: unknown alias")

	// ErrUnknownType is returned when a type resolves to no mapping.
	ErrUnknownType = errors.New("routing: unknown type")

	// ErrInvalidMapping is returned by New for inconsistent mappings.
	ErrInvalidMapping = errors.New("routing: invalid mapping")
)

// Mapping is the routing of one root entity mapping.
type Mapping struct {
	// Alias names the entity family.
	Alias string `yaml:"alias" json:"alias"`

	// SubIndexes lists the sub-indexes the alias is stored in. Empty
	// means a single sub-index named after the alias.
	SubIndexes []string `yaml:"sub_indexes,omitempty" json:"sub_indexes,omitempty"`

	// Extends names the parent alias, if any.
	Extends string `yaml:"extends,omitempty" json:"extends,omitempty"`

	// Types lists additional type names that resolve to this alias. The
	// alias itself always resolves as a type.
	Types []string `yaml:"types,omitempty" json:"types,omitempty"`
}

// Table is the immutable alias/sub-index routing table.
type Table struct {
	aliasSubs  map[string][]string
	subAliases map[string][]string
	types      map[string]string
	parent     map[string]string
	// descendants holds, per alias, every alias extending it transitively.
	descendants map[string][]string
	// polySubs holds, per alias, the sub-indexes of the alias and all its
	// descendants.
	polySubs map[string][]string
	all      []string
	aliases  []string
}

// New builds a Table from mappings, in order.
func New(mappings []Mapping) (*Table, error) {
	t := &Table{
		aliasSubs:   make(map[string][]string),
		subAliases:  make(map[string][]string),
		types:       make(map[string]string),
		parent:      make(map[string]string),
		descendants: make(map[string][]string),
		polySubs:    make(map[string][]string),
	}
	allSet := map[string]struct{}{}

	for i, m := range mappings {
		if m.Alias == "" {
			return nil, fmt.Errorf("%w: mapping %d has no alias", ErrInvalidMapping, i)
		}
		if _, dup := t.aliasSubs[m.Alias]; dup {
			return nil, fmt.Errorf("%w: duplicate alias %q", ErrInvalidMapping, m.Alias)
		}
		subs := slices.Clone(m.SubIndexes)
		if len(subs) == 0 {
			subs = []string{m.Alias}
		}
		subs = sortedSet(subs)
		for _, s := range subs {
			if !validSubIndex(s) {
				return nil, fmt.Errorf("%w: alias %q has an invalid sub-index name %q", ErrInvalidMapping, m.Alias, s)
			}
		}
		t.aliasSubs[m.Alias] = subs
		for _, s := range subs {
			t.subAliases[s] = append(t.subAliases[s], m.Alias)
			allSet[s] = struct{}{}
		}
		if m.Extends != "" {
			t.parent[m.Alias] = m.Extends
		}
		for _, typ := range m.Types {
			if prev, ok := t.types[typ]; ok && prev != m.Alias {
				return nil, fmt.Errorf("%w: type %q mapped by both %q and %q", ErrInvalidMapping, typ, prev, m.Alias)
			}
			t.types[typ] = m.Alias
		}
		t.aliases = append(t.aliases, m.Alias)
	}

	for alias, parent := range t.parent {
		if _, ok := t.aliasSubs[parent]; !ok {
			return nil, fmt.Errorf("%w: alias %q extends unknown alias %q", ErrInvalidMapping, alias, parent)
		}
	}
	for _, alias := range t.aliases {
		if err := t.checkAcyclic(alias); err != nil {
			return nil, err
		}
	}

	// Walk each alias up its ancestor chain once; every ancestor gains it
	// as a descendant.
	for _, alias := range t.aliases {
		for p := t.parent[alias]; p != ""; p = t.parent[p] {
			t.descendants[p] = append(t.descendants[p], alias)
		}
	}
	for _, alias := range t.aliases {
		t.descendants[alias] = sortedSet(t.descendants[alias])
		subs := slices.Clone(t.aliasSubs[alias])
		for _, d := range t.descendants[alias] {
			subs = append(subs, t.aliasSubs[d]...)
		}
		t.polySubs[alias] = sortedSet(subs)
	}

	for s, as := range t.subAliases {
		t.subAliases[s] = sortedSet(as)
	}
	for s := range allSet {
		t.all = append(t.all, s)
	}
	sort.Strings(t.all)
	sort.Strings(t.aliases)
	return t, nil
}

func (t *Table) checkAcyclic(alias string) error {
	seen := map[string]bool{alias: true}
	for p := t.parent[alias]; p != ""; p = t.parent[p] {
		if seen[p] {
			return fmt.Errorf("%w: extends cycle through %q", ErrInvalidMapping, alias)
		}
		seen[p] = true
	}
	return nil
}

// SubIndexes returns every distinct sub-index, sorted.
func (t *Table) SubIndexes() []string {
	return slices.Clone(t.all)
}

// Aliases returns every alias, sorted.
func (t *Table) Aliases() []string {
	return slices.Clone(t.aliases)
}

// SubIndexesForAlias returns the sub-indexes alias is stored in.
func (t *Table) SubIndexesForAlias(alias string) ([]string, error) {
	subs, ok := t.aliasSubs[alias]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAlias, alias)
	}
	return slices.Clone(subs), nil
}

// AliasesForSubIndex returns the aliases stored in subIndex, or nil if the
// sub-index is not routed.
func (t *Table) AliasesForSubIndex(subIndex string) []string {
	return slices.Clone(t.subAliases[subIndex])
}

// SubAliases returns every alias extending alias, directly or transitively.
func (t *Table) SubAliases(alias string) ([]string, error) {
	if _, ok := t.aliasSubs[alias]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAlias, alias)
	}
	return slices.Clone(t.descendants[alias]), nil
}

// Parent returns the alias that alias extends, or "".
func (t *Table) Parent(alias string) string {
	return t.parent[alias]
}

// AliasForType returns the alias a type name resolves to.
func (t *Table) AliasForType(typ string) (string, error) {
	if alias, ok := t.types[typ]; ok {
		return alias, nil
	}
	if _, ok := t.aliasSubs[typ]; ok {
		return typ, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownType, typ)
}

// Resolve returns the sub-indexes a request targets, sorted.
//
// With no aliases and no types, it returns subIndexes as given, or every
// sub-index if that is empty too. Otherwise each alias and type is
// translated to its sub-indexes (plus those of its sub-aliases when
// polymorphic is set) and unioned with subIndexes. An unknown alias or
// type fails the whole call.
func (t *Table) Resolve(subIndexes, aliases, types []string, polymorphic bool) ([]string, error) {
	if len(aliases) == 0 && len(types) == 0 {
		if len(subIndexes) == 0 {
			return t.SubIndexes(), nil
		}
		return sortedSet(slices.Clone(subIndexes)), nil
	}
	out := slices.Clone(subIndexes)
	add := func(alias string) {
		if polymorphic {
			out = append(out, t.polySubs[alias]...)
		} else {
			out = append(out, t.aliasSubs[alias]...)
		}
	}
	for _, alias := range aliases {
		if _, ok := t.aliasSubs[alias]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownAlias, alias)
		}
		add(alias)
	}
	for _, typ := range types {
		alias, err := t.AliasForType(typ)
		if err != nil {
			return nil, err
		}
		add(alias)
	}
	return sortedSet(out), nil
}

func sortedSet(s []string) []string {
	sort.Strings(s)
	return slices.Compact(s)
}

// validSubIndex reports whether s can name a directory of its own.
func validSubIndex(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x1f")
}
