package startup

import (
	"fmt"
	"strings"
)

// Validation is the result of a successful Validate call.
type Validation struct {
	RequiresAuthentication bool
}

// IntrinsicBackends returns the backends a mode supports regardless of license tier.
func IntrinsicBackends(mode Mode) StorageSet {
	switch mode {
	case ModeStandalone:
		return NewStorageSet(StorageLocal)
	case ModeSharedNetwork:
		return NewStorageSet(StorageCloud, StorageHybrid)
	}
	return StorageSet{}
}

// PermittedBackends is the intersection of the entitlement and the mode's intrinsic backends.
func PermittedBackends(mode Mode, ent *Entitlement) StorageSet {
	if ent == nil {
		return StorageSet{}
	}
	return ent.AllowedBackends.Intersect(IntrinsicBackends(mode))
}

// RequiresAuthentication reports whether a valid selection needs the authentication step.
func RequiresAuthentication(mode Mode, storage StorageMode) bool {
	return mode == ModeSharedNetwork || storage == StorageCloud || storage == StorageHybrid
}

// Validate checks a requested mode/storage pair against the entitlement snapshot.
//
// Invalid but well-formed combinations return a *Error of KindInvalidConfiguration.
// Unset or unknown enum values return an error wrapping ErrMalformedInput.
func Validate(mode Mode, storage StorageMode, ent *Entitlement) (Validation, error) {
	if !mode.Valid() {
		return Validation{}, fmt.Errorf("%w: mode %v", ErrMalformedInput, int(mode))
	}
	if !storage.Valid() {
		return Validation{}, fmt.Errorf("%w: storage mode %v", ErrMalformedInput, int(storage))
	}

	if ent == nil {
		return Validation{}, newError(KindInvalidConfiguration, nil, "entitlements have not been resolved")
	}

	intrinsic := IntrinsicBackends(mode)
	if !intrinsic.Has(storage) {
		return Validation{}, newError(KindInvalidConfiguration, nil,
			"%s mode does not support %s storage (supported: %s)", mode, storage, joinBackends(intrinsic))
	}
	if !ent.AllowedBackends.Has(storage) {
		tier := ent.Tier
		if tier == "" {
			tier = "current"
		}
		return Validation{}, newError(KindInvalidConfiguration, nil,
			"%s storage is not included in the %s license tier (allowed: %s)", storage, tier, joinBackends(ent.AllowedBackends))
	}

	return Validation{RequiresAuthentication: RequiresAuthentication(mode, storage)}, nil
}

func joinBackends(set StorageSet) string {
	if len(set) == 0 {
		return "none"
	}
	names := make([]string, 0, len(set))
	for _, m := range set.Sorted() {
		names = append(names, m.String())
	}
	return strings.Join(names, ", ")
}
