package startup

import (
	"fmt"
	"sort"
	"strings"
)

// Step is one stage of the bootstrap sequence.
type Step int

const (
	StepModeSelection Step = iota
	StepAuthentication
	StepProjectSelection
	StepComplete
)

// String returns a human-readable name for the step.
func (s Step) String() string {
	switch s {
	case StepModeSelection:
		return "mode_selection"
	case StepAuthentication:
		return "authentication"
	case StepProjectSelection:
		return "project_selection"
	case StepComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Mode is the overall operating context of the application.
type Mode int

const (
	// ModeUnset is the zero value; it means no mode has been selected.
	ModeUnset Mode = iota
	// ModeStandalone is offline, single user.
	ModeStandalone
	// ModeSharedNetwork is collaborative and server-backed.
	ModeSharedNetwork
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return ""
	case ModeStandalone:
		return "standalone"
	case ModeSharedNetwork:
		return "shared_network"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is a selectable mode.
func (m Mode) Valid() bool {
	return m == ModeStandalone || m == ModeSharedNetwork
}

// ParseMode parses a mode name as accepted on the command line and in preference files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standalone", "local", "offline":
		return ModeStandalone, nil
	case "shared_network", "shared-network", "shared", "network":
		return ModeSharedNetwork, nil
	case "":
		return ModeUnset, nil
	}
	return ModeUnset, fmt.Errorf("%w: unknown mode %q", ErrMalformedInput, s)
}

// StorageMode is where project data lives.
type StorageMode int

const (
	// StorageUnset is the zero value; it means no backend has been selected.
	StorageUnset StorageMode = iota
	StorageLocal
	StorageCloud
	StorageHybrid
)

func (s StorageMode) String() string {
	switch s {
	case StorageUnset:
		return ""
	case StorageLocal:
		return "local"
	case StorageCloud:
		return "cloud"
	case StorageHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("storage(%d)", int(s))
	}
}

// Valid reports whether s is a selectable backend.
func (s StorageMode) Valid() bool {
	return s == StorageLocal || s == StorageCloud || s == StorageHybrid
}

// ParseStorageMode parses a storage backend name.
func ParseStorageMode(s string) (StorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return StorageLocal, nil
	case "cloud":
		return StorageCloud, nil
	case "hybrid":
		return StorageHybrid, nil
	case "":
		return StorageUnset, nil
	}
	return StorageUnset, fmt.Errorf("%w: unknown storage mode %q", ErrMalformedInput, s)
}

// MarshalText implements encoding.TextMarshaler so storage modes round-trip through YAML and JSON.
func (s StorageMode) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StorageMode) UnmarshalText(text []byte) error {
	v, err := ParseStorageMode(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// StorageSet is a set of storage backends.
type StorageSet map[StorageMode]struct{}

// NewStorageSet builds a set from the given backends.
func NewStorageSet(modes ...StorageMode) StorageSet {
	set := make(StorageSet, len(modes))
	for _, m := range modes {
		set[m] = struct{}{}
	}
	return set
}

// Has reports whether m is in the set.
func (s StorageSet) Has(m StorageMode) bool {
	_, ok := s[m]
	return ok
}

// Intersect returns the backends present in both sets.
func (s StorageSet) Intersect(other StorageSet) StorageSet {
	out := make(StorageSet)
	for m := range s {
		if other.Has(m) {
			out[m] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in declaration order.
func (s StorageSet) Sorted() []StorageMode {
	out := make([]StorageMode, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s StorageSet) clone() StorageSet {
	if s == nil {
		return nil
	}
	out := make(StorageSet, len(s))
	for m := range s {
		out[m] = struct{}{}
	}
	return out
}

// Entitlement is the set of backends and collaboration limits permitted for a license tier.
type Entitlement struct {
	Tier             string
	AllowedBackends  StorageSet
	MaxCollaborators int
}

func (e *Entitlement) clone() *Entitlement {
	if e == nil {
		return nil
	}
	out := *e
	out.AllowedBackends = e.AllowedBackends.clone()
	return &out
}

// User is an opaque reference to an authenticated user.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// Op names the asynchronous operation a Loading state belongs to.
type Op int

const (
	OpNone Op = iota
	OpEntitlements
	OpAuthentication
	OpProjectLoad
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpEntitlements:
		return "entitlements"
	case OpAuthentication:
		return "authentication"
	case OpProjectLoad:
		return "project_load"
	default:
		return "unknown"
	}
}

// StartupState is an immutable snapshot of the bootstrap flow.
type StartupState struct {
	Step        Step
	Mode        Mode
	Storage     StorageMode
	User        *User
	ProjectID   string
	Loading     bool
	Pending     Op
	Err         *Error
	Generation  uint64
	Entitlement *Entitlement
}

// HasError reports whether the snapshot carries an error descriptor.
func (s StartupState) HasError() bool {
	return s.Err != nil
}

// snapshot copies the reference fields so listeners never share mutable data with the machine.
func (s StartupState) snapshot() StartupState {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	out.Entitlement = s.Entitlement.clone()
	return out
}
