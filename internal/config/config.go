// Package config loads the arbiter and satellite configurations.
//
// Values come from three layers, highest priority first: VIGIL_*
// environment variables, the YAML file, and the defaults table of each
// configuration. The merged result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/partition"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "VIGIL"

// DefaultPorts are the listen ports of each daemon kind when none is set.
var DefaultPorts = map[cluster.Kind]int{
	cluster.KindScheduler:   7768,
	cluster.KindReactionner: 7769,
	cluster.KindArbiter:     7770,
	cluster.KindPoller:      7771,
	cluster.KindBroker:      7772,
	cluster.KindReceiver:    7773,
}

// Log selects the logger built by internal/logging.
type Log struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json console"`
}

// Dispatch holds the timings of the dispatch loops and satellite calls.
type Dispatch struct {
	LivenessInterval  time.Duration `yaml:"liveness_interval" envconfig:"LIVENESS_INTERVAL" validate:"gt=0"`
	AssignInterval    time.Duration `yaml:"assign_interval" envconfig:"ASSIGN_INTERVAL" validate:"gt=0"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" envconfig:"RECONCILE_INTERVAL" validate:"gt=0"`
	CheckInterval     time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL" validate:"gt=0"`
	MaxCheckAttempts  int           `yaml:"max_check_attempts" envconfig:"MAX_CHECK_ATTEMPTS" validate:"gte=1"`
	PingTimeout       time.Duration `yaml:"ping_timeout" envconfig:"PING_TIMEOUT" validate:"gt=0"`
	PushTimeout       time.Duration `yaml:"push_timeout" envconfig:"PUSH_TIMEOUT" validate:"gt=0"`
}

// SelfLaunch controls the satellites the arbiter creates on localhost for
// realms that lack one.
type SelfLaunch struct {
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED"`
	Host     string `yaml:"host" envconfig:"HOST" validate:"required_if=Enabled true"`
	BasePort int    `yaml:"base_port" envconfig:"BASE_PORT" validate:"omitempty,gte=1,lte=65535"`
}

// Arbiter is the arbiter daemon configuration.
type Arbiter struct {
	Listen      string `yaml:"listen" envconfig:"LISTEN" validate:"required"`
	CatalogPath string `yaml:"catalog" envconfig:"CATALOG" validate:"required"`
	Log         Log    `yaml:"log" envconfig:"LOG"`

	Dispatch   Dispatch   `yaml:"dispatch" envconfig:"DISPATCH"`
	SelfLaunch SelfLaunch `yaml:"self_launch" envconfig:"SELF_LAUNCH"`

	// Properties are cloned into every configuration part except the
	// names listed in UnusedProperties.
	Properties       map[string]string `yaml:"properties" envconfig:"PROPERTIES"`
	UnusedProperties []string          `yaml:"unused_properties" envconfig:"UNUSED_PROPERTIES"`
	RequiredKinds    []string          `yaml:"required_kinds" envconfig:"REQUIRED_KINDS" validate:"dive,satkind"`

	Satellites []Satellite `yaml:"satellites" ignored:"true" validate:"dive"`
}

// Registration bounds the retries of a satellite registering with the
// arbiter.
type Registration struct {
	InitialInterval time.Duration `yaml:"initial_interval" envconfig:"INITIAL_INTERVAL" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" envconfig:"MAX_INTERVAL" validate:"gtefield=InitialInterval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" envconfig:"MAX_ELAPSED" validate:"gte=0"`
}

// Satellite describes a satellite daemon. The arbiter configuration lists
// them; a satellite daemon reads its own from its file.
type Satellite struct {
	ID              string `yaml:"id" envconfig:"ID" validate:"required"`
	Kind            string `yaml:"kind" envconfig:"KIND" validate:"required,satkind"`
	Listen          string `yaml:"listen" envconfig:"LISTEN"`
	Addr            string `yaml:"addr" envconfig:"ADDR"`
	Realm           string `yaml:"realm" envconfig:"REALM"`
	Weight          int    `yaml:"weight" envconfig:"WEIGHT" validate:"gte=0"`
	Spare           bool   `yaml:"spare" envconfig:"SPARE"`
	ManageSubRealms bool   `yaml:"manage_sub_realms" envconfig:"MANAGE_SUB_REALMS"`

	// Only read by the satellite daemon.
	Arbiter      string       `yaml:"arbiter" envconfig:"ARBITER"`
	Log          Log          `yaml:"log" envconfig:"LOG"`
	Registration Registration `yaml:"registration" envconfig:"REGISTRATION"`
}

// Info converts the entry into its wire form.
func (s Satellite) Info() cluster.SatelliteInfo {
	return cluster.SatelliteInfo{
		ID:              s.ID,
		Kind:            cluster.Kind(s.Kind),
		Name:            s.ID,
		Addr:            s.Addr,
		Realm:           s.Realm,
		Weight:          s.Weight,
		Spare:           s.Spare,
		ManageSubRealms: s.ManageSubRealms,
	}
}

// PartitionConfig returns the partitioner settings of the arbiter.
func (a *Arbiter) PartitionConfig() partition.Config {
	cfg := partition.Config{
		Properties:         a.Properties,
		UnusedProperties:   a.UnusedProperties,
		SelfLaunch:         a.SelfLaunch.Enabled,
		SelfLaunchHost:     a.SelfLaunch.Host,
		SelfLaunchBasePort: a.SelfLaunch.BasePort,
	}
	for _, k := range a.RequiredKinds {
		cfg.RequiredKinds = append(cfg.RequiredKinds, cluster.Kind(k))
	}
	for _, s := range a.Satellites {
		cfg.Satellites = append(cfg.Satellites, s.Info())
	}
	return cfg
}

// LoadArbiter reads path (optional), overlays the environment, fills
// defaults and validates.
func LoadArbiter(path string) (*Arbiter, error) {
	cfg := &Arbiter{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	applyDefaults(cfg, arbiterDefaults)
	for i := range cfg.Satellites {
		applyDefaults(&cfg.Satellites[i], satelliteDefaults)
	}
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	if err := uniqueSatellites(cfg.Satellites); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSatellite is LoadArbiter for a satellite daemon.
func LoadSatellite(path string) (*Satellite, error) {
	cfg := &Satellite{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	applyDefaults(cfg, satelliteDefaults)
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	if cfg.Arbiter == "" {
		return nil, errors.New("arbiter: address is required")
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func uniqueSatellites(sats []Satellite) error {
	seen := make(map[string]bool, len(sats))
	var err error
	for _, s := range sats {
		if seen[s.ID] {
			err = multierr.Append(err, fmt.Errorf("satellites: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
	}
	return err
}

var validateStruct = newValidator()

func newValidator() func(any) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("satkind", func(fl validator.FieldLevel) bool {
		k, err := cluster.ParseKind(fl.Field().String())
		return err == nil && k != cluster.KindArbiter
	}); err != nil {
		panic(fmt.Errorf("register satkind: %w", err))
	}

	return func(cfg any) error {
		err := v.Struct(cfg)
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		var out error
		for _, fe := range fieldErrs {
			// Drop the root type name.
			_, field, _ := strings.Cut(fe.Namespace(), ".")
			out = multierr.Append(out, fmt.Errorf("%s: failed %q (value %v)", field, fe.Tag(), fe.Value()))
		}
		return out
	}
}
