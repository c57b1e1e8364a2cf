// Package realm maintains the realm hierarchy and which satellites serve
// each realm.
//
// A satellite declared in realm R always serves R. When it also sets
// manage_sub_realms it becomes a potential satellite for every realm below R,
// which lets one top-level scheduler cover a whole sub-tree without being
// declared in each realm.
package realm

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/graph"
)

// DefaultName is the realm synthesized when the catalog declares none as
// default.
const DefaultName = "All"

var (
	// ErrParentCycle is returned by Linkify when a parent chain never ends.
	ErrParentCycle = errors.New("realm parent cycle")
	// ErrUnknownRealm is returned when a name does not resolve.
	ErrUnknownRealm = errors.New("unknown realm")
)

// Realm is one node of the tree.
type Realm struct {
	ID       string
	Name     string
	Parent   string
	Default  bool
	Children []string
	// AllSubMembers is the transitive closure of Children.
	AllSubMembers []string

	Direct    map[cluster.Kind][]string
	Potential map[cluster.Kind][]string

	Packs      []graph.Pack
	HostsCount int
}

func (r *Realm) clone() Realm {
	c := *r
	c.Children = slices.Clone(r.Children)
	c.AllSubMembers = slices.Clone(r.AllSubMembers)
	c.Direct = cloneKindMap(r.Direct)
	c.Potential = cloneKindMap(r.Potential)
	c.Packs = make([]graph.Pack, len(r.Packs))
	for i, p := range r.Packs {
		c.Packs[i] = slices.Clone(p)
	}
	return c
}

func cloneKindMap(in map[cluster.Kind][]string) map[cluster.Kind][]string {
	out := make(map[cluster.Kind][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// Tree is the realm hierarchy, keyed by realm name. It is built once per
// reload and is not safe for concurrent mutation.
type Tree struct {
	realms map[string]*Realm
	order  []string
	def    string
}

// New builds an unlinked tree. Realm names must be unique.
func New(realms []catalog.Realm) (*Tree, error) {
	t := &Tree{realms: make(map[string]*Realm, len(realms))}
	for _, r := range realms {
		name := r.Name
		if name == "" {
			name = r.ID
		}
		if name == "" {
			return nil, errors.New("realm without a name")
		}
		if _, dup := t.realms[name]; dup {
			return nil, fmt.Errorf("duplicate realm %q", name)
		}
		id := r.ID
		if id == "" {
			id = name
		}
		t.realms[name] = &Realm{
			ID:        id,
			Name:      name,
			Parent:    r.Parent,
			Default:   r.Default,
			Direct:    make(map[cluster.Kind][]string),
			Potential: make(map[cluster.Kind][]string),
		}
		t.order = append(t.order, name)
	}
	return t, nil
}

// FillDefault makes sure exactly one realm is the default. When none is
// flagged it uses a realm named "All" or synthesizes one and reports
// created=true.
func (t *Tree) FillDefault() (created bool, err error) {
	var defaults []string
	for _, name := range t.order {
		if t.realms[name].Default {
			defaults = append(defaults, name)
		}
	}
	switch len(defaults) {
	case 1:
		t.def = defaults[0]
		return false, nil
	case 0:
	default:
		return false, fmt.Errorf("several default realms: %s", strings.Join(defaults, ", "))
	}

	if r, ok := t.realms[DefaultName]; ok {
		r.Default = true
		t.def = DefaultName
		return false, nil
	}
	t.realms[DefaultName] = &Realm{
		ID:        DefaultName,
		Name:      DefaultName,
		Default:   true,
		Direct:    make(map[cluster.Kind][]string),
		Potential: make(map[cluster.Kind][]string),
	}
	t.order = append(t.order, DefaultName)
	t.def = DefaultName
	return true, nil
}

// Linkify resolves parent names, fills Children and AllSubMembers, and
// rejects parent cycles.
func (t *Tree) Linkify() error {
	for _, name := range t.order {
		r := t.realms[name]
		r.Children = nil
		r.AllSubMembers = nil
	}
	for _, name := range t.order {
		r := t.realms[name]
		if r.Parent == "" {
			continue
		}
		parent, ok := t.realms[r.Parent]
		if !ok {
			return fmt.Errorf("realm %q: parent %q: %w", name, r.Parent, ErrUnknownRealm)
		}
		parent.Children = append(parent.Children, name)
	}

	// Every parent chain must reach a root within len(order) steps.
	for _, name := range t.order {
		cur := name
		for steps := 0; ; steps++ {
			if steps > len(t.order) {
				return fmt.Errorf("%w through %q", ErrParentCycle, name)
			}
			p := t.realms[cur].Parent
			if p == "" {
				break
			}
			cur = p
		}
	}

	for _, name := range t.order {
		r := t.realms[name]
		stack := slices.Clone(r.Children)
		for len(stack) > 0 {
			n := len(stack) - 1
			child := stack[n]
			stack = stack[:n]
			r.AllSubMembers = append(r.AllSubMembers, child)
			stack = append(stack, t.realms[child].Children...)
		}
		slices.Sort(r.AllSubMembers)
	}
	return nil
}

// PrepareSatellites binds satellites to realms. A satellite with no realm
// belongs to the default realm.
func (t *Tree) PrepareSatellites(sats []cluster.SatelliteInfo) error {
	for _, name := range t.order {
		r := t.realms[name]
		r.Direct = make(map[cluster.Kind][]string)
		r.Potential = make(map[cluster.Kind][]string)
	}
	var errs []error
	for _, s := range sats {
		name := s.Realm
		if name == "" {
			name = t.def
		}
		r, ok := t.realms[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%s %s: realm %q: %w", s.Kind, s.ID, name, ErrUnknownRealm))
			continue
		}
		r.Direct[s.Kind] = append(r.Direct[s.Kind], s.ID)
		if !s.ManageSubRealms {
			continue
		}
		for _, sub := range r.AllSubMembers {
			sr := t.realms[sub]
			if !slices.Contains(sr.Potential[s.Kind], s.ID) {
				sr.Potential[s.Kind] = append(sr.Potential[s.Kind], s.ID)
			}
		}
	}
	return errors.Join(errs...)
}

// Satellites returns the satellites of a kind that serve realm: the direct
// ones, or the potential ones when the realm has no direct satellite.
func (t *Tree) Satellites(realm string, kind cluster.Kind) []string {
	r, ok := t.realms[realm]
	if !ok {
		return nil
	}
	if ids := r.Direct[kind]; len(ids) > 0 {
		return slices.Clone(ids)
	}
	return slices.Clone(r.Potential[kind])
}

// Serves reports whether at least one satellite of kind serves realm.
func (t *Tree) Serves(realm string, kind cluster.Kind) bool {
	return len(t.Satellites(realm, kind)) > 0
}

// Covers reports whether satellite s may handle work of the given realm:
// it is declared there, or in an ancestor with manage_sub_realms set.
func (t *Tree) Covers(s cluster.SatelliteInfo, realm string) bool {
	home := s.Realm
	if home == "" {
		home = t.def
	}
	if home == realm {
		return true
	}
	if !s.ManageSubRealms {
		return false
	}
	r, ok := t.realms[home]
	if !ok {
		return false
	}
	_, found := slices.BinarySearch(r.AllSubMembers, realm)
	return found
}

// Missing names a realm lacking a satellite kind it needs.
type Missing struct {
	Realm string
	Kind  cluster.Kind
}

// MissingSatellites lists, for every realm holding hosts, the kinds it
// needs but nobody serves.
func (t *Tree) MissingSatellites(kinds []cluster.Kind) []Missing {
	var out []Missing
	for _, name := range t.order {
		r := t.realms[name]
		if r.HostsCount == 0 && len(r.Packs) == 0 {
			continue
		}
		for _, k := range kinds {
			if !t.Serves(name, k) {
				out = append(out, Missing{Realm: name, Kind: k})
			}
		}
	}
	return out
}

// AddPack attaches a pack holding hosts hosts to realm.
func (t *Tree) AddPack(realm string, p graph.Pack, hosts int) error {
	r, ok := t.realms[realm]
	if !ok {
		return fmt.Errorf("realm %q: %w", realm, ErrUnknownRealm)
	}
	r.Packs = append(r.Packs, p)
	r.HostsCount += hosts
	return nil
}

// Has reports whether a realm with that name exists.
func (t *Tree) Has(name string) bool {
	_, ok := t.realms[name]
	return ok
}

// Get returns a copy of the named realm.
func (t *Tree) Get(name string) (Realm, bool) {
	r, ok := t.realms[name]
	if !ok {
		return Realm{}, false
	}
	return r.clone(), true
}

// Default returns the name of the default realm, empty before FillDefault.
func (t *Tree) Default() string {
	return t.def
}

// Names returns realm names in declaration order.
func (t *Tree) Names() []string {
	return slices.Clone(t.order)
}
