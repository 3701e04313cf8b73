package bootstrap

import (
	"sync"

	"backbone/internal/logging"
	"backbone/internal/startup"
)

// auditor turns consecutive snapshots into audit events.
type auditor struct {
	mu   sync.Mutex
	prev startup.StartupState
	sink func(logging.AuditEvent)
}

func newAuditor(initial startup.StartupState, sink func(logging.AuditEvent)) *auditor {
	return &auditor{prev: initial, sink: sink}
}

func (a *auditor) observe(s startup.StartupState) {
	a.mu.Lock()
	prev := a.prev
	a.prev = s
	a.mu.Unlock()

	for _, e := range diff(prev, s) {
		a.sink(e)
	}
}

// diff lists the audit events implied by the transition from prev to next.
func diff(prev, next startup.StartupState) []logging.AuditEvent {
	var out []logging.AuditEvent
	gen := next.Generation

	isReset := next.Generation > prev.Generation && next.Step == startup.StepModeSelection && next.Mode == startup.ModeUnset
	if isReset {
		out = append(out, logging.AuditEvent{EventType: logging.AuditReset, Generation: gen, From: prev.Step.String()})
	} else if next.Step != prev.Step {
		out = append(out, logging.AuditEvent{EventType: logging.AuditStepChanged, Generation: gen, From: prev.Step.String(), To: next.Step.String()})
	}

	if prev.Pending == startup.OpEntitlements && next.Pending == startup.OpNone && next.Entitlement != nil && next.Err == nil {
		out = append(out, logging.AuditEvent{
			EventType:  logging.AuditEntitlementResolved,
			Generation: gen,
			Subject:    next.Entitlement.Tier,
			Fields:     map[string]interface{}{"backends": backendNames(next.Entitlement.AllowedBackends)},
		})
	}
	if next.User != nil && (prev.User == nil || prev.User.ID != next.User.ID) {
		out = append(out, logging.AuditEvent{EventType: logging.AuditSignIn, Generation: gen, Subject: next.User.ID})
	}
	if next.Step == startup.StepComplete && prev.Step != startup.StepComplete {
		out = append(out, logging.AuditEvent{EventType: logging.AuditProjectOpened, Generation: gen, Subject: next.ProjectID})
	}

	// Err pointers are shared between snapshots until the machine records a new error.
	if next.Err != nil && next.Err != prev.Err {
		e := logging.AuditEvent{Generation: gen, Error: next.Err.Error()}
		switch next.Err.Kind {
		case startup.KindInvalidConfiguration:
			e.EventType = logging.AuditSelectionRejected
		case startup.KindAuthenticationFailed:
			e.EventType = logging.AuditSignInFailed
		case startup.KindProjectLoadFailed:
			e.EventType = logging.AuditProjectFailed
		case startup.KindEntitlementUnavailable:
			e.EventType = logging.AuditEntitlementFailed
		default:
			return out
		}
		out = append(out, e)
	}
	return out
}

func backendNames(set startup.StorageSet) []string {
	modes := set.Sorted()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return names
}
