package pack

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/graph"
	"github.com/dreamware/vigil/internal/realm"
	"github.com/dreamware/vigil/internal/report"
)

// RealmPack is an accessibility pack of host ids together with the realm it
// resolved to. Realm is empty when the pack could not be resolved to a
// single realm; such a pack has already been reported as an error.
type RealmPack struct {
	Realm string
	Hosts graph.Pack
}

// Builder turns catalog relations into host packs.
type Builder struct {
	log *zap.Logger
}

// NewBuilder returns a Builder logging through log.
func NewBuilder(log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{log: log.Named("pack-builder")}
}

type edge [2]string

// index resolves any host or service id to the host that schedules it.
type index struct {
	hostOf map[string]string
	hosts  map[string]catalog.Host
}

func newIndex(hosts []catalog.Host, services []catalog.Service) *index {
	idx := &index{
		hostOf: make(map[string]string, len(hosts)+len(services)),
		hosts:  make(map[string]catalog.Host, len(hosts)),
	}
	for _, h := range hosts {
		idx.hostOf[h.ID] = h.ID
		idx.hosts[h.ID] = h
	}
	for _, s := range services {
		if _, ok := idx.hosts[s.HostID]; ok {
			idx.hostOf[s.ID] = s.HostID
		}
	}
	return idx
}

// Build computes the packs of cat and resolves each to a realm of tree. The
// tree must have gone through FillDefault. Problems are recorded in rep.
func (b *Builder) Build(cat catalog.Catalog, tree *realm.Tree, rep *report.Report) []RealmPack {
	hosts := cat.Hosts()
	services := cat.Services()
	idx := newIndex(hosts, services)

	b.checkLoops(hosts, services, rep)

	g := graph.New()
	seen := make(map[edge]struct{})
	// Unknown references are reported under the object that holds them.
	// Hosts and services share one id space.
	unknown := make(map[string][]string)
	ownerKind := make(map[string]string)
	link := func(node, kind, owner, ref string) {
		target, ok := idx.hostOf[ref]
		if !ok {
			unknown[owner] = append(unknown[owner], ref)
			ownerKind[owner] = kind
			return
		}
		if target == node {
			return
		}
		for _, e := range []edge{{node, target}, {target, node}} {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			g.AddEdge(e[0], e[1])
		}
	}

	for _, h := range hosts {
		g.AddNode(h.ID)
		for _, ref := range h.Parents {
			link(h.ID, "host", h.ID, ref)
		}
		for _, ref := range h.ActDependOf {
			link(h.ID, "host", h.ID, ref)
		}
		for _, ref := range h.ChkDependOf {
			link(h.ID, "host", h.ID, ref)
		}
		for _, ref := range h.BusinessRuleElements {
			link(h.ID, "host", h.ID, ref)
		}
	}
	for _, s := range services {
		if _, ok := idx.hosts[s.HostID]; !ok {
			rep.Error(&report.ConfigError{
				Code:    report.CodeUnknownObject,
				Members: []string{s.ID},
				Message: fmt.Sprintf("service is attached to unknown host %q", s.HostID),
			})
			continue
		}
		for _, ref := range s.ActDependOf {
			link(s.HostID, "service", s.ID, ref)
		}
		for _, ref := range s.ChkDependOf {
			link(s.HostID, "service", s.ID, ref)
		}
		for _, ref := range s.BusinessRuleElements {
			link(s.HostID, "service", s.ID, ref)
		}
	}

	owners := make([]string, 0, len(unknown))
	for owner := range unknown {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		rep.Error(&report.ConfigError{
			Code:    report.CodeUnknownObject,
			Members: unknown[owner],
			Message: fmt.Sprintf("%s %q references unknown objects", ownerKind[owner], owner),
		})
	}

	realmOf := b.resolveRealms(hosts, tree, rep)

	packs := g.AccessibilityPacks()
	out := make([]RealmPack, 0, len(packs))
	for _, p := range packs {
		var realms []string
		for _, id := range p {
			r := realmOf[id]
			if r != "" && !slices.Contains(realms, r) {
				realms = append(realms, r)
			}
		}
		rp := RealmPack{Hosts: p}
		switch len(realms) {
		case 1:
			rp.Realm = realms[0]
		case 0:
		default:
			sort.Strings(realms)
			rep.Error(&report.ConfigError{
				Code:    report.CodeMultiRealmPack,
				Realms:  realms,
				Members: slices.Clone(p),
				Message: "linked hosts belong to different realms",
			})
		}
		out = append(out, rp)
	}

	b.log.Debug("packs built",
		zap.Int("hosts", len(hosts)),
		zap.Int("services", len(services)),
		zap.Int("packs", len(out)))
	return out
}

// resolveRealms maps every host id to its realm name. Hosts without a realm
// get the default one and a single grouped warning.
func (b *Builder) resolveRealms(hosts []catalog.Host, tree *realm.Tree, rep *report.Report) map[string]string {
	out := make(map[string]string, len(hosts))
	var defaulted []string
	for _, h := range hosts {
		name := h.Realm
		if name == "" {
			name = tree.Default()
			defaulted = append(defaulted, h.ID)
		}
		if !tree.Has(name) {
			rep.Error(&report.ConfigError{
				Code:    report.CodeUnknownRealm,
				Realm:   name,
				Members: []string{h.ID},
				Message: "host is bound to an unknown realm",
			})
			continue
		}
		out[h.ID] = name
	}
	if len(defaulted) > 0 {
		rep.Warn(&report.ConfigError{
			Code:    report.CodeDefaultRealm,
			Realm:   tree.Default(),
			Members: defaulted,
			Message: "hosts without a realm were put in the default realm",
		})
		b.log.Warn("hosts got the default realm",
			zap.String("realm", tree.Default()),
			zap.Int("count", len(defaulted)))
	}
	return out
}

// checkLoops runs loop detection on the directed dependency graph of hosts
// and services. Edges point from the dependent object to what it depends on.
func (b *Builder) checkLoops(hosts []catalog.Host, services []catalog.Service, rep *report.Report) {
	g := graph.New()
	for _, h := range hosts {
		g.AddNode(h.ID)
		for _, refs := range [][]string{h.Parents, h.ActDependOf, h.ChkDependOf, h.BusinessRuleElements} {
			for _, ref := range refs {
				g.AddEdge(h.ID, ref)
			}
		}
	}
	for _, s := range services {
		g.AddNode(s.ID)
		for _, refs := range [][]string{s.ActDependOf, s.ChkDependOf, s.BusinessRuleElements} {
			for _, ref := range refs {
				g.AddEdge(s.ID, ref)
			}
		}
	}
	loop := g.LoopCheck()
	if len(loop) == 0 {
		return
	}
	rep.Error(&report.ConfigError{
		Code:    report.CodeDependencyLoop,
		Members: loop,
		Message: "objects depend on each other in a loop",
	})
	b.log.Error("dependency loop detected", zap.Strings("members", loop))
}
