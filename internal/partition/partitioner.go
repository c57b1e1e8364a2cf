// Package partition cuts the monitored configuration into parts, one per
// scheduler bucket.
//
// Partition runs the whole pipeline sequentially: packs are built from the
// catalog, tagged with their realm, distributed over each realm's schedulers
// and finally materialized as Part values with a flat id space. The result
// always carries a report; callers must not dispatch a result whose report
// is invalid.
package partition

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/pack"
	"github.com/dreamware/vigil/internal/realm"
	"github.com/dreamware/vigil/internal/report"
)

// Config holds everything the partitioner needs besides the catalog.
type Config struct {
	// Properties are the global configuration properties cloned into
	// every part.
	Properties map[string]string
	// UnusedProperties names properties that are not copied into parts.
	UnusedProperties []string
	Satellites       []cluster.SatelliteInfo
	// RequiredKinds are the satellite kinds every realm holding hosts
	// needs. Empty means cluster.SatelliteKinds.
	RequiredKinds []cluster.Kind

	SelfLaunch         bool
	SelfLaunchHost     string
	SelfLaunchBasePort int
}

// Result is the outcome of one partitioning pass.
type Result struct {
	Epoch uint64
	Parts []*Part
	Tree  *realm.Tree
	// Satellites lists the configured satellites plus the self-launched ones.
	Satellites        []cluster.SatelliteInfo
	CreatedSatellites []cluster.SatelliteInfo
	Report            *report.Report
}

// Valid reports whether the result may be dispatched.
func (r *Result) Valid() bool {
	return r.Report.Valid()
}

// Partitioner turns a catalog into configuration parts. It keeps the pack
// distributor, and therefore host affinity, across calls, and the port
// counter for self-launched satellites.
type Partitioner struct {
	log         *zap.Logger
	builder     *pack.Builder
	distributor *pack.Distributor
	nextPort    int
}

// New returns a Partitioner. A nil distributor gets a fresh one.
func New(log *zap.Logger, distributor *pack.Distributor) *Partitioner {
	if log == nil {
		log = zap.NewNop()
	}
	if distributor == nil {
		distributor = pack.NewDistributor(log)
	}
	return &Partitioner{
		log:         log.Named("partitioner"),
		builder:     pack.NewBuilder(log),
		distributor: distributor,
	}
}

// Partition runs one pass. It never panics on configuration problems: they
// end up in Result.Report.
func (p *Partitioner) Partition(cat catalog.Catalog, cfg Config, epoch uint64) *Result {
	res := &Result{
		Epoch:      epoch,
		Report:     &report.Report{},
		Satellites: slices.Clone(cfg.Satellites),
	}
	rep := res.Report

	tree, err := p.prepareTree(cat, cfg, rep)
	if err != nil {
		rep.Error(&report.ConfigError{Code: report.CodeRealmTree, Message: err.Error()})
		return res
	}
	res.Tree = tree

	hosts := cat.Hosts()
	realmPacks := p.builder.Build(cat, tree, rep)
	dropped := 0
	for _, rp := range realmPacks {
		if rp.Realm == "" {
			dropped += len(rp.Hosts)
			continue
		}
		if err := tree.AddPack(rp.Realm, rp.Hosts, len(rp.Hosts)); err != nil {
			rep.Error(&report.ConfigError{Code: report.CodeUnknownRealm, Realm: rp.Realm, Members: rp.Hosts, Message: err.Error()})
			dropped += len(rp.Hosts)
		}
	}

	kinds := cfg.RequiredKinds
	if len(kinds) == 0 {
		kinds = cluster.SatelliteKinds
	}
	if missing := tree.MissingSatellites(kinds); len(missing) > 0 {
		created := p.handleMissing(missing, cfg, rep)
		if len(created) > 0 {
			res.CreatedSatellites = created
			res.Satellites = append(res.Satellites, created...)
			if err := tree.PrepareSatellites(res.Satellites); err != nil {
				rep.Error(&report.ConfigError{Code: report.CodeRealmTree, Message: err.Error()})
			}
		}
	}

	byID := make(map[string]cluster.SatelliteInfo, len(res.Satellites))
	for _, s := range res.Satellites {
		byID[s.ID] = s
	}

	type bucket struct {
		realm string
		pack.Bucket
	}
	var buckets []bucket
	for _, name := range tree.Names() {
		r, _ := tree.Get(name)
		if len(r.Packs) == 0 {
			continue
		}
		var scheds []pack.Scheduler
		for _, id := range tree.Satellites(name, cluster.KindScheduler) {
			s := byID[id]
			scheds = append(scheds, pack.Scheduler{ID: s.ID, Weight: s.Weight, Spare: s.Spare})
		}
		dist, err := p.distributor.Distribute(name, r.Packs, scheds)
		if errors.Is(err, pack.ErrNoScheduler) {
			rep.Error(&report.ConfigError{
				Code:    report.CodeNoScheduler,
				Realm:   name,
				Kind:    string(cluster.KindScheduler),
				Message: fmt.Sprintf("realm holds %d hosts but no scheduler serves it", r.HostsCount),
			})
			dropped += r.HostsCount
			continue
		}
		if dist.Degraded {
			rep.Warn(&report.ConfigError{
				Code:    report.CodeDegraded,
				Realm:   name,
				Members: []string{dist.Buckets[0].Scheduler},
				Message: "realm only has spare schedulers, the first one takes every pack",
			})
		}
		for _, b := range dist.Buckets {
			buckets = append(buckets, bucket{realm: name, Bucket: b})
		}
	}

	// Bucket positions give the flat part ids: realms are laid out one
	// after the other in tree order.
	hostByID := make(map[string]catalog.Host, len(hosts))
	for _, h := range hosts {
		hostByID[h.ID] = h
	}
	servicesOf := make(map[string][]catalog.Service)
	for _, s := range cat.Services() {
		servicesOf[s.HostID] = append(servicesOf[s.HostID], s)
	}
	hostGroups := cat.HostGroups()
	serviceGroups := cat.ServiceGroups()
	props := managedProperties(cfg.Properties, cfg.UnusedProperties)

	placed := 0
	for offset, b := range buckets {
		part := &Part{
			ID:                 offset,
			Epoch:              epoch,
			Realm:              b.realm,
			PreferredScheduler: b.Scheduler,
			Properties:         cloneProps(props),
		}
		for _, id := range b.Hosts {
			h := hostByID[id]
			part.Hosts = append(part.Hosts, h)
			part.Services = append(part.Services, servicesOf[id]...)
		}
		part.HostGroups, part.ServiceGroups = scopeGroups(part, hostGroups, serviceGroups)
		placed += len(part.Hosts)
		res.Parts = append(res.Parts, part)
	}

	linkOtherElements(res.Parts)
	for _, part := range res.Parts {
		if err := part.computeChecksum(); err != nil {
			rep.Error(&report.ConfigError{Code: report.CodeRealmTree, Message: fmt.Sprintf("part %d checksum: %v", part.ID, err)})
		}
	}

	if placed+dropped != len(hosts) {
		rep.Error(&report.ConfigError{
			Code:    report.CodeHostCount,
			Message: fmt.Sprintf("%d hosts in the catalog but %d placed in parts and %d rejected", len(hosts), placed, dropped),
		})
	}

	fields := []zap.Field{
		zap.Uint64("epoch", epoch),
		zap.Int("parts", len(res.Parts)),
		zap.Int("hosts", placed),
		zap.Int("errors", len(rep.Errors)),
		zap.Int("warnings", len(rep.Warnings)),
	}
	if rep.Valid() {
		p.log.Info("configuration partitioned", fields...)
	} else {
		p.log.Error("configuration partitioned with errors", append(fields, zap.Error(rep.Err()))...)
	}
	return res
}

func (p *Partitioner) prepareTree(cat catalog.Catalog, cfg Config, rep *report.Report) (*realm.Tree, error) {
	tree, err := realm.New(cat.Realms())
	if err != nil {
		return nil, err
	}
	created, err := tree.FillDefault()
	if err != nil {
		return nil, err
	}
	if created {
		p.log.Info("no default realm declared, using a synthesized one", zap.String("realm", tree.Default()))
	}
	if err := tree.Linkify(); err != nil {
		return nil, err
	}
	if err := tree.PrepareSatellites(cfg.Satellites); err != nil {
		rep.Error(&report.ConfigError{Code: report.CodeUnknownRealm, Message: err.Error()})
	}
	return tree, nil
}

// handleMissing reports realms lacking a satellite kind, or creates local
// satellites for them when self-launch is enabled.
func (p *Partitioner) handleMissing(missing []realm.Missing, cfg Config, rep *report.Report) []cluster.SatelliteInfo {
	if !cfg.SelfLaunch {
		for _, m := range missing {
			if m.Kind == cluster.KindScheduler {
				// Reported with its host count by the distribution step.
				continue
			}
			rep.Error(&report.ConfigError{
				Code:    report.CodeMissingSatellite,
				Realm:   m.Realm,
				Kind:    string(m.Kind),
				Message: "realm holds hosts but no satellite of this kind serves it",
			})
		}
		return nil
	}

	host := cfg.SelfLaunchHost
	if host == "" {
		host = "localhost"
	}
	if p.nextPort < cfg.SelfLaunchBasePort {
		p.nextPort = cfg.SelfLaunchBasePort
	}
	var out []cluster.SatelliteInfo
	for _, m := range missing {
		port := p.nextPort
		p.nextPort++
		s := cluster.SatelliteInfo{
			ID:     fmt.Sprintf("%s-%s-auto-%d", m.Kind, m.Realm, port),
			Kind:   m.Kind,
			Name:   fmt.Sprintf("Default-%s-%s", m.Kind, m.Realm),
			Addr:   net.JoinHostPort(host, strconv.Itoa(port)),
			Realm:  m.Realm,
			Weight: 1,
		}
		out = append(out, s)
		rep.Warn(&report.ConfigError{
			Code:    report.CodeSelfLaunched,
			Realm:   m.Realm,
			Kind:    string(m.Kind),
			Members: []string{s.ID},
			Message: fmt.Sprintf("no %s serves the realm, created one at %s", m.Kind, s.Addr),
		})
		p.log.Warn("created a default satellite",
			zap.String("realm", m.Realm),
			zap.String("kind", string(m.Kind)),
			zap.String("id", s.ID),
			zap.String("addr", s.Addr))
	}
	return out
}

func managedProperties(all map[string]string, unused []string) map[string]string {
	out := make(map[string]string, len(all))
	for k, v := range all {
		if slices.Contains(unused, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func cloneProps(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// scopeGroups returns part-local copies of every group, restricted to the
// part's members, and rewrites the hosts' and services' group lists so they
// only name those copies. Empty groups are kept.
func scopeGroups(part *Part, hostGroups []catalog.HostGroup, serviceGroups []catalog.ServiceGroup) ([]catalog.HostGroup, []catalog.ServiceGroup) {
	hostIdx := make(map[string]int, len(part.Hosts))
	for i, h := range part.Hosts {
		hostIdx[h.ID] = i
	}
	svcIdx := make(map[string]int, len(part.Services))
	for i, s := range part.Services {
		svcIdx[s.ID] = i
	}

	hgs := make([]catalog.HostGroup, len(hostGroups))
	hgMembers := make(map[string]map[string]struct{}, len(hostGroups))
	for i, g := range hostGroups {
		hgs[i] = catalog.HostGroup{ID: g.ID, Name: g.Name, Members: []string{}}
		hgMembers[g.ID] = make(map[string]struct{})
		for _, m := range g.Members {
			if _, ok := hostIdx[m]; ok {
				hgMembers[g.ID][m] = struct{}{}
			}
		}
	}
	for _, h := range part.Hosts {
		for _, gid := range h.HostGroups {
			if set, ok := hgMembers[gid]; ok {
				set[h.ID] = struct{}{}
			}
		}
	}
	hostGroupsOf := make(map[string][]string)
	for i := range hgs {
		g := &hgs[i]
		for m := range hgMembers[g.ID] {
			g.Members = append(g.Members, m)
			hostGroupsOf[m] = append(hostGroupsOf[m], g.ID)
		}
		sort.Strings(g.Members)
	}
	for i := range part.Hosts {
		h := &part.Hosts[i]
		groups := hostGroupsOf[h.ID]
		sort.Strings(groups)
		h.HostGroups = groups
	}

	sgs := make([]catalog.ServiceGroup, len(serviceGroups))
	sgMembers := make(map[string]map[string]struct{}, len(serviceGroups))
	for i, g := range serviceGroups {
		sgs[i] = catalog.ServiceGroup{ID: g.ID, Name: g.Name, Members: []string{}}
		sgMembers[g.ID] = make(map[string]struct{})
		for _, m := range g.Members {
			if _, ok := svcIdx[m]; ok {
				sgMembers[g.ID][m] = struct{}{}
			}
		}
	}
	for _, s := range part.Services {
		for _, gid := range s.ServiceGroups {
			if set, ok := sgMembers[gid]; ok {
				set[s.ID] = struct{}{}
			}
		}
	}
	serviceGroupsOf := make(map[string][]string)
	for i := range sgs {
		g := &sgs[i]
		for m := range sgMembers[g.ID] {
			g.Members = append(g.Members, m)
			serviceGroupsOf[m] = append(serviceGroupsOf[m], g.ID)
		}
		sort.Strings(g.Members)
	}
	for i := range part.Services {
		s := &part.Services[i]
		groups := serviceGroupsOf[s.ID]
		sort.Strings(groups)
		s.ServiceGroups = groups
	}
	return hgs, sgs
}

// linkOtherElements gives every part the owner of each host held by the
// other parts.
func linkOtherElements(parts []*Part) {
	for _, part := range parts {
		for _, other := range parts {
			if other == part {
				continue
			}
			if part.OtherElements == nil {
				part.OtherElements = make(map[string]int)
			}
			for _, h := range other.Hosts {
				part.OtherElements[h.Name] = other.ID
			}
		}
	}
}
