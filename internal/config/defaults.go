package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dreamware/vigil/internal/cluster"
)

// defaultEntry fills one setting when it was left unset by both the file
// and the environment.
type defaultEntry[T any] struct {
	name  string
	apply func(*T)
}

func applyDefaults[T any](cfg *T, table []defaultEntry[T]) {
	for _, d := range table {
		d.apply(cfg)
	}
}

func orDefault[V comparable](p *V, v V) {
	var zero V
	if *p == zero {
		*p = v
	}
}

var arbiterDefaults = []defaultEntry[Arbiter]{
	{"listen", func(c *Arbiter) { orDefault(&c.Listen, fmt.Sprintf(":%d", DefaultPorts[cluster.KindArbiter])) }},
	{"log.level", func(c *Arbiter) { orDefault(&c.Log.Level, "info") }},
	{"log.format", func(c *Arbiter) { orDefault(&c.Log.Format, "json") }},
	{"dispatch.liveness_interval", func(c *Arbiter) { orDefault(&c.Dispatch.LivenessInterval, time.Second) }},
	{"dispatch.assign_interval", func(c *Arbiter) { orDefault(&c.Dispatch.AssignInterval, 5*time.Second) }},
	{"dispatch.reconcile_interval", func(c *Arbiter) { orDefault(&c.Dispatch.ReconcileInterval, 30*time.Second) }},
	{"dispatch.check_interval", func(c *Arbiter) { orDefault(&c.Dispatch.CheckInterval, 5*time.Second) }},
	{"dispatch.max_check_attempts", func(c *Arbiter) { orDefault(&c.Dispatch.MaxCheckAttempts, 3) }},
	{"dispatch.ping_timeout", func(c *Arbiter) { orDefault(&c.Dispatch.PingTimeout, 3*time.Second) }},
	{"dispatch.push_timeout", func(c *Arbiter) { orDefault(&c.Dispatch.PushTimeout, 2*time.Minute) }},
	{"self_launch.host", func(c *Arbiter) { orDefault(&c.SelfLaunch.Host, "localhost") }},
	{"self_launch.base_port", func(c *Arbiter) { orDefault(&c.SelfLaunch.BasePort, 10000) }},
	{"unused_properties", func(c *Arbiter) {
		if c.UnusedProperties == nil {
			c.UnusedProperties = []string{"lock_file", "log_file", "pid_file", "workdir"}
		}
	}},
}

var satelliteDefaults = []defaultEntry[Satellite]{
	{"listen", func(c *Satellite) {
		if port, ok := DefaultPorts[cluster.Kind(c.Kind)]; ok {
			orDefault(&c.Listen, fmt.Sprintf(":%d", port))
		}
	}},
	{"addr", func(c *Satellite) {
		if strings.HasPrefix(c.Listen, ":") {
			orDefault(&c.Addr, "localhost"+c.Listen)
		}
	}},
	{"weight", func(c *Satellite) { orDefault(&c.Weight, 1) }},
	{"log.level", func(c *Satellite) { orDefault(&c.Log.Level, "info") }},
	{"log.format", func(c *Satellite) { orDefault(&c.Log.Format, "json") }},
	{"registration.initial_interval", func(c *Satellite) { orDefault(&c.Registration.InitialInterval, 500*time.Millisecond) }},
	{"registration.max_interval", func(c *Satellite) { orDefault(&c.Registration.MaxInterval, 10*time.Second) }},
	{"registration.max_elapsed", func(c *Satellite) { orDefault(&c.Registration.MaxElapsed, 2*time.Minute) }},
}

// Defaults lists the settings that have a default, for --help output.
func Defaults() (arbiter, satellite []string) {
	for _, d := range arbiterDefaults {
		arbiter = append(arbiter, d.name)
	}
	for _, d := range satelliteDefaults {
		satellite = append(satellite, d.name)
	}
	return arbiter, satellite
}
