// Package catalog exposes the read-only view of monitored objects that the
// partitioner consumes: hosts, services, groups and realms.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Host is a monitored host as seen by the partitioner.
type Host struct {
	ID                   string   `yaml:"id" json:"id"`
	Name                 string   `yaml:"name" json:"name"`
	Realm                string   `yaml:"realm,omitempty" json:"realm,omitempty"`
	Parents              []string `yaml:"parents,omitempty" json:"parents,omitempty"`
	ActDependOf          []string `yaml:"act_depend_of,omitempty" json:"act_depend_of,omitempty"`
	ChkDependOf          []string `yaml:"chk_depend_of,omitempty" json:"chk_depend_of,omitempty"`
	BusinessRuleElements []string `yaml:"business_rule_elements,omitempty" json:"business_rule_elements,omitempty"`
	HostGroups           []string `yaml:"hostgroups,omitempty" json:"hostgroups,omitempty"`
	ActiveChecksEnabled  bool     `yaml:"active_checks_enabled" json:"active_checks_enabled"`
	PassiveChecksEnabled bool     `yaml:"passive_checks_enabled" json:"passive_checks_enabled"`
}

// Service is a monitored service, always attached to one host.
type Service struct {
	ID                   string   `yaml:"id" json:"id"`
	HostID               string   `yaml:"host" json:"host"`
	Description          string   `yaml:"description" json:"description"`
	ActDependOf          []string `yaml:"act_depend_of,omitempty" json:"act_depend_of,omitempty"`
	ChkDependOf          []string `yaml:"chk_depend_of,omitempty" json:"chk_depend_of,omitempty"`
	BusinessRuleElements []string `yaml:"business_rule_elements,omitempty" json:"business_rule_elements,omitempty"`
	ServiceGroups        []string `yaml:"servicegroups,omitempty" json:"servicegroups,omitempty"`
	ActiveChecksEnabled  bool     `yaml:"active_checks_enabled" json:"active_checks_enabled"`
}

// HostGroup lists member host ids.
type HostGroup struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Members []string `yaml:"members,omitempty" json:"members"`
}

// ServiceGroup lists member service ids.
type ServiceGroup struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Members []string `yaml:"members,omitempty" json:"members"`
}

// Realm is a realm declaration. Parent is the name of the parent realm.
type Realm struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Parent  string `yaml:"parent,omitempty" json:"parent,omitempty"`
	Default bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// Catalog is the read-only object source. Implementations return copies;
// callers never mutate catalog state.
type Catalog interface {
	Hosts() []Host
	Services() []Service
	Realms() []Realm
	HostGroups() []HostGroup
	ServiceGroups() []ServiceGroup
}

// Static is an in-memory catalog, usually loaded from a YAML objects file.
type Static struct {
	HostList         []Host         `yaml:"hosts"`
	ServiceList      []Service      `yaml:"services"`
	RealmList        []Realm        `yaml:"realms"`
	HostGroupList    []HostGroup    `yaml:"hostgroups"`
	ServiceGroupList []ServiceGroup `yaml:"servicegroups"`

	hostIndex    map[string]int
	serviceIndex map[string]int
}

var _ Catalog = (*Static)(nil)

// LoadFile reads a YAML objects file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes a YAML objects document and indexes it.
func Parse(data []byte) (*Static, error) {
	var s Static
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return &s, nil
}

// NewStatic builds a catalog from already decoded objects.
func NewStatic(hosts []Host, services []Service, realms []Realm, hostGroups []HostGroup, serviceGroups []ServiceGroup) (*Static, error) {
	s := &Static{
		HostList:         hosts,
		ServiceList:      services,
		RealmList:        realms,
		HostGroupList:    hostGroups,
		ServiceGroupList: serviceGroups,
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return s, nil
}

// index builds id lookups and rejects duplicate ids. Hosts and services share
// one id space because both become graph nodes.
func (s *Static) index() error {
	s.hostIndex = make(map[string]int, len(s.HostList))
	s.serviceIndex = make(map[string]int, len(s.ServiceList))
	for i := range s.HostList {
		h := &s.HostList[i]
		if h.ID == "" {
			h.ID = h.Name
		}
		if h.Name == "" {
			h.Name = h.ID
		}
		if h.ID == "" {
			return fmt.Errorf("host #%d has neither id nor name", i)
		}
		if _, dup := s.hostIndex[h.ID]; dup {
			return fmt.Errorf("duplicate host id %q", h.ID)
		}
		s.hostIndex[h.ID] = i
	}
	for i := range s.ServiceList {
		svc := &s.ServiceList[i]
		if svc.ID == "" {
			svc.ID = svc.HostID + "/" + svc.Description
		}
		if _, dup := s.hostIndex[svc.ID]; dup {
			return fmt.Errorf("service id %q collides with a host id", svc.ID)
		}
		if _, dup := s.serviceIndex[svc.ID]; dup {
			return fmt.Errorf("duplicate service id %q", svc.ID)
		}
		s.serviceIndex[svc.ID] = i
	}
	for i := range s.RealmList {
		r := &s.RealmList[i]
		if r.ID == "" {
			r.ID = r.Name
		}
		if r.Name == "" {
			r.Name = r.ID
		}
	}
	seen := make(map[string]struct{}, len(s.HostGroupList))
	for i := range s.HostGroupList {
		g := &s.HostGroupList[i]
		if err := nameGroup(&g.ID, &g.Name, i, "host", seen); err != nil {
			return err
		}
	}
	seen = make(map[string]struct{}, len(s.ServiceGroupList))
	for i := range s.ServiceGroupList {
		g := &s.ServiceGroupList[i]
		if err := nameGroup(&g.ID, &g.Name, i, "service", seen); err != nil {
			return err
		}
	}
	return nil
}

// nameGroup fills a missing group id from its name and the other way round,
// then records the id in seen.
func nameGroup(id, name *string, i int, kind string, seen map[string]struct{}) error {
	if *id == "" {
		*id = *name
	}
	if *name == "" {
		*name = *id
	}
	if *id == "" {
		return fmt.Errorf("%s group #%d has neither id nor name", kind, i)
	}
	if _, dup := seen[*id]; dup {
		return fmt.Errorf("duplicate %s group id %q", kind, *id)
	}
	seen[*id] = struct{}{}
	return nil
}

// Host returns the host with the given id.
func (s *Static) Host(id string) (Host, bool) {
	i, ok := s.hostIndex[id]
	if !ok {
		return Host{}, false
	}
	return cloneHost(s.HostList[i]), true
}

// Service returns the service with the given id.
func (s *Static) Service(id string) (Service, bool) {
	i, ok := s.serviceIndex[id]
	if !ok {
		return Service{}, false
	}
	return cloneService(s.ServiceList[i]), true
}

func (s *Static) Hosts() []Host {
	out := make([]Host, len(s.HostList))
	for i, h := range s.HostList {
		out[i] = cloneHost(h)
	}
	return out
}

func (s *Static) Services() []Service {
	out := make([]Service, len(s.ServiceList))
	for i, svc := range s.ServiceList {
		out[i] = cloneService(svc)
	}
	return out
}

func (s *Static) Realms() []Realm {
	return append([]Realm(nil), s.RealmList...)
}

func (s *Static) HostGroups() []HostGroup {
	out := make([]HostGroup, len(s.HostGroupList))
	for i, g := range s.HostGroupList {
		g.Members = cloneStrings(g.Members)
		out[i] = g
	}
	return out
}

func (s *Static) ServiceGroups() []ServiceGroup {
	out := make([]ServiceGroup, len(s.ServiceGroupList))
	for i, g := range s.ServiceGroupList {
		g.Members = cloneStrings(g.Members)
		out[i] = g
	}
	return out
}

func cloneHost(h Host) Host {
	h.Parents = cloneStrings(h.Parents)
	h.ActDependOf = cloneStrings(h.ActDependOf)
	h.ChkDependOf = cloneStrings(h.ChkDependOf)
	h.BusinessRuleElements = cloneStrings(h.BusinessRuleElements)
	h.HostGroups = cloneStrings(h.HostGroups)
	return h
}

func cloneService(s Service) Service {
	s.ActDependOf = cloneStrings(s.ActDependOf)
	s.ChkDependOf = cloneStrings(s.ChkDependOf)
	s.BusinessRuleElements = cloneStrings(s.BusinessRuleElements)
	s.ServiceGroups = cloneStrings(s.ServiceGroups)
	return s
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
