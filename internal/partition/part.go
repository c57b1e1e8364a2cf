package partition

import (
	"github.com/mitchellh/hashstructure/v2"

	"github.com/dreamware/vigil/internal/catalog"
)

// Part is the slice of the configuration handled by one scheduler. Parts are
// immutable once returned by the partitioner; dispatch state is kept
// elsewhere, keyed by ID and Epoch. Every collection is owned by the part:
// nothing is shared with the catalog or with other parts.
type Part struct {
	ID                 int               `json:"id"`
	Epoch              uint64            `json:"epoch" hash:"ignore"`
	Realm              string            `json:"realm"`
	PreferredScheduler string            `json:"preferred_scheduler"`
	Properties         map[string]string `json:"properties,omitempty"`

	Hosts         []catalog.Host         `json:"hosts"`
	Services      []catalog.Service      `json:"services"`
	HostGroups    []catalog.HostGroup    `json:"hostgroups"`
	ServiceGroups []catalog.ServiceGroup `json:"servicegroups"`

	// OtherElements maps the name of every host held by another part to
	// that part's id.
	OtherElements map[string]int `json:"other_elements,omitempty"`

	Checksum uint64 `json:"checksum" hash:"ignore"`
}

// HostNames returns the names of the part's hosts.
func (p *Part) HostNames() []string {
	out := make([]string, len(p.Hosts))
	for i, h := range p.Hosts {
		out[i] = h.Name
	}
	return out
}

// computeChecksum hashes the content of the part. Two parts with the same
// content have the same checksum whatever their epoch.
func (p *Part) computeChecksum() error {
	sum, err := hashstructure.Hash(p, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	p.Checksum = sum
	return nil
}
