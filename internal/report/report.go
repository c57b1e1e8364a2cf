// Package report collects configuration errors and warnings found while a
// reload is partitioned and dispatched.
//
// Nothing in here aborts a run. Callers keep going, record what they find,
// and decide at the end whether the result may be activated: any error makes
// the reload invalid, warnings never do.
package report

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Code classifies a configuration problem.
type Code string

const (
	CodeDependencyLoop   Code = "dependency_loop"
	CodeMultiRealmPack   Code = "pack_multi_realm"
	CodeUnknownRealm     Code = "unknown_realm"
	CodeUnknownObject    Code = "unknown_object"
	CodeDefaultRealm     Code = "got_default_realm"
	CodeRealmTree        Code = "realm_tree"
	CodeMissingSatellite Code = "missing_satellite"
	CodeSelfLaunched     Code = "self_launched_satellite"
	CodeNoScheduler      Code = "no_scheduler"
	CodeDegraded         Code = "spare_fallback"
	CodeHostCount        Code = "host_count_mismatch"
	CodeDispatch         Code = "dispatch"
)

// ConfigError is one problem with enough context for an operator to fix it.
type ConfigError struct {
	Code    Code     `json:"code"`
	Realm   string   `json:"realm,omitempty"`
	Realms  []string `json:"realms,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Members []string `json:"members,omitempty"`
	Message string   `json:"message"`
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Realm != "" {
		fmt.Fprintf(&b, " realm=%s", e.Realm)
	}
	if len(e.Realms) > 0 {
		fmt.Fprintf(&b, " realms=[%s]", strings.Join(e.Realms, ","))
	}
	if e.Kind != "" {
		fmt.Fprintf(&b, " kind=%s", e.Kind)
	}
	if len(e.Members) > 0 {
		fmt.Fprintf(&b, " members=[%s]", strings.Join(e.Members, ","))
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Report accumulates errors and warnings. It is filled by one goroutine.
type Report struct {
	Errors   []*ConfigError `json:"errors"`
	Warnings []*ConfigError `json:"warnings"`
}

// Error records a structural error.
func (r *Report) Error(e *ConfigError) {
	r.Errors = append(r.Errors, e)
}

// Warn records a non-fatal finding.
func (r *Report) Warn(e *ConfigError) {
	r.Warnings = append(r.Warnings, e)
}

// Valid reports whether no error was recorded.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Has reports whether an error with the given code was recorded.
func (r *Report) Has(code Code) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Err combines every recorded error, or returns nil.
func (r *Report) Err() error {
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, e)
	}
	return err
}

// Merge appends the findings of other.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}
