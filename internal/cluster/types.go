package cluster

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the role of a daemon in the cluster.
type Kind string

const (
	KindScheduler   Kind = "scheduler"
	KindPoller      Kind = "poller"
	KindReactionner Kind = "reactionner"
	KindBroker      Kind = "broker"
	KindReceiver    Kind = "receiver"
	KindArbiter     Kind = "arbiter"
)

// SatelliteKinds lists the kinds that receive a configuration slice,
// schedulers first.
var SatelliteKinds = []Kind{KindScheduler, KindPoller, KindReactionner, KindBroker, KindReceiver}

// ParseKind converts a user supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindScheduler, KindPoller, KindReactionner, KindBroker, KindReceiver, KindArbiter:
		return k, nil
	}
	return "", fmt.Errorf("unknown satellite kind %q", s)
}

// SatelliteInfo is the static description of a satellite daemon, as declared
// in the arbiter configuration or sent by the daemon when it registers.
type SatelliteInfo struct {
	ID              string `json:"id" yaml:"id"`
	Kind            Kind   `json:"kind" yaml:"kind"`
	Name            string `json:"name" yaml:"name"`
	Addr            string `json:"addr" yaml:"addr"`
	Realm           string `json:"realm" yaml:"realm"`
	Weight          int    `json:"weight" yaml:"weight"`
	Spare           bool   `json:"spare" yaml:"spare"`
	ManageSubRealms bool   `json:"manage_sub_realms" yaml:"manage_sub_realms"`
}

// RegisterRequest is sent by a satellite to the arbiter on startup.
// RunningID changes every time the daemon process restarts.
type RegisterRequest struct {
	Satellite SatelliteInfo `json:"satellite"`
	RunningID string        `json:"running_id"`
}

// PingResponse is the body of a successful liveness check.
type PingResponse struct {
	Pong      string `json:"pong"`
	RunningID string `json:"running_id,omitempty"`
}

// Pong is the only accepted liveness answer.
const Pong = "pong"

// ManagedConfs maps configuration part ids to the push flavor a satellite
// currently holds.
type ManagedConfs map[int]int64

// Equal reports whether both maps hold the same parts with the same flavors.
func (m ManagedConfs) Equal(other ManagedConfs) bool {
	if len(m) != len(other) {
		return false
	}
	for id, flavor := range m {
		if f, ok := other[id]; !ok || f != flavor {
			return false
		}
	}
	return true
}

// SchedulerRef tells a non-scheduler satellite which scheduler owns a part.
type SchedulerRef struct {
	PartID      int    `json:"part_id"`
	Flavor      int64  `json:"flavor"`
	Realm       string `json:"realm"`
	SchedulerID string `json:"scheduler_id"`
	Addr        string `json:"addr"`
}

// SatelliteView is the configuration pushed to pollers, reactionners,
// brokers and receivers: the schedulers they talk to and where each host
// lives.
type SatelliteView struct {
	SatelliteID string         `json:"satellite_id"`
	Epoch       uint64         `json:"epoch"`
	Schedulers  []SchedulerRef `json:"schedulers"`
	// HostOwners maps host names to the part that schedules them.
	HostOwners map[string]int `json:"host_owners,omitempty"`
}

// Managed returns the parts covered by the view.
func (v SatelliteView) Managed() ManagedConfs {
	out := make(ManagedConfs, len(v.Schedulers))
	for _, s := range v.Schedulers {
		out[s.PartID] = s.Flavor
	}
	return out
}

// NoPart is the part id of a push that carries no part: satellite views,
// and the order telling a scheduler to drop its part and wait for a new one.
const NoPart = -1

// PushHeader travels in front of every configuration payload.
type PushHeader struct {
	Kind   Kind   `json:"kind"`
	PartID int    `json:"part_id"`
	Epoch  uint64 `json:"epoch"`
	Flavor int64  `json:"flavor"`
}

// PushRequest is the decoded form of a configuration push. Body holds the
// JSON encoded part for schedulers or SatelliteView for other kinds.
type PushRequest struct {
	Header PushHeader      `json:"header"`
	Body   json.RawMessage `json:"body"`
}
