package startup

import (
	"fmt"

	"go.uber.org/zap"
)

// Ticket identifies an asynchronous operation started with Begin.
// It captures the generation at start so a superseded result can be recognised.
type Ticket struct {
	Op         Op
	Generation uint64
	Seq        uint64
}

// step returns the step an asynchronous operation belongs to.
func (o Op) step() (Step, bool) {
	switch o {
	case OpEntitlements:
		return StepModeSelection, true
	case OpAuthentication:
		return StepAuthentication, true
	case OpProjectLoad:
		return StepProjectSelection, true
	}
	return 0, false
}

// Begin marks the start of an asynchronous collaborator call: Loading becomes true and
// listeners are notified so the UI can show progress.
//
// Only the most recent ticket for an operation is current. Beginning an operation that is
// already pending supersedes the earlier call: its completion returns ErrStale and Loading
// stays set until the newer call completes.
func (m *Machine) Begin(op Op) (Ticket, error) {
	step, ok := op.step()
	if !ok {
		return Ticket{}, fmt.Errorf("%w: cannot begin operation %s", ErrMalformedInput, op)
	}

	m.mu.Lock()
	m.seq++
	t := Ticket{Op: op, Generation: m.state.Generation, Seq: m.seq}
	m.mu.Unlock()

	err := m.apply(operation{name: "begin_" + op.String(), run: func(s *StartupState) (bool, error) {
		if s.Generation != t.Generation {
			return false, ErrStale
		}
		if s.Step != step {
			return true, m.mismatch(s, "Begin("+op.String()+")", step)
		}
		if s.Pending == op {
			m.logger.Debug("async operation superseded by a newer call",
				zap.Stringer("op", op), zap.Uint64("seq", m.pendingSeq), zap.Uint64("by", t.Seq))
		}
		s.Loading, s.Pending = true, op
		m.pendingSeq = t.Seq
		m.logger.Debug("async operation started",
			zap.Stringer("op", op), zap.Uint64("generation", t.Generation), zap.Uint64("seq", t.Seq))
		return true, nil
	}})
	if err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// checkTicket reports ErrStale when the ticket no longer matches the machine: the generation
// moved on, the step changed, the operation is no longer in flight, or a newer Begin took it over.
func (m *Machine) checkTicket(s *StartupState, t Ticket, op Op) error {
	if t.Op != op {
		return fmt.Errorf("%w: ticket for %s used to complete %s", ErrMalformedInput, t.Op, op)
	}
	step, _ := op.step()
	if s.Generation != t.Generation || s.Step != step || s.Pending != op || m.pendingSeq != t.Seq {
		m.logger.Debug("discarding stale async result",
			zap.Stringer("op", op),
			zap.Uint64("ticket_generation", t.Generation),
			zap.Uint64("ticket_seq", t.Seq),
			zap.Uint64("generation", s.Generation),
			zap.Stringer("step", s.Step))
		return ErrStale
	}
	return nil
}

// CompleteEntitlements applies the result of an entitlement lookup.
// On failure the previous snapshot is kept and EntitlementUnavailable is recorded.
func (m *Machine) CompleteEntitlements(t Ticket, ent *Entitlement, lookupErr error) error {
	return m.apply(operation{name: "complete_entitlements", run: func(s *StartupState) (bool, error) {
		if err := m.checkTicket(s, t, OpEntitlements); err != nil {
			return false, err
		}
		s.Loading, s.Pending = false, OpNone
		if lookupErr != nil || ent == nil {
			if lookupErr == nil {
				lookupErr = fmt.Errorf("resolver returned no entitlement")
			}
			s.Err = newError(KindEntitlementUnavailable, lookupErr, "license entitlements could not be resolved")
			m.logger.Info("entitlement lookup failed", zap.Error(lookupErr))
			return true, nil
		}
		s.Entitlement = ent.clone()
		if s.Err != nil && s.Err.Kind == KindEntitlementUnavailable {
			s.Err = nil
		}
		m.logger.Debug("entitlements applied",
			zap.String("tier", ent.Tier), zap.Int("backends", len(ent.AllowedBackends)))
		return true, nil
	}})
}

// CompleteAuthentication applies the outcome of a sign-in started with Begin(OpAuthentication).
func (m *Machine) CompleteAuthentication(t Ticket, user *User, authErr error) error {
	return m.apply(operation{name: "complete_authentication", run: func(s *StartupState) (bool, error) {
		if err := m.checkTicket(s, t, OpAuthentication); err != nil {
			return false, err
		}
		if authErr == nil && (user == nil || user.ID == "") {
			authErr = fmt.Errorf("provider returned no user")
		}
		if authErr != nil {
			m.authFailed(s, authErr)
			return true, nil
		}
		m.authenticated(s, *user)
		return true, nil
	}})
}

// CompleteProjectLoad applies the outcome of a project load started with Begin(OpProjectLoad).
func (m *Machine) CompleteProjectLoad(t Ticket, projectID string, loadErr error) error {
	return m.apply(operation{name: "complete_project_load", run: func(s *StartupState) (bool, error) {
		if err := m.checkTicket(s, t, OpProjectLoad); err != nil {
			return false, err
		}
		if loadErr == nil && projectID == "" {
			loadErr = fmt.Errorf("repository returned no project id")
		}
		if loadErr != nil {
			m.projectFailed(s, loadErr)
			return true, nil
		}
		m.projectSelected(s, projectID)
		return true, nil
	}})
}

// Cancel clears Loading for an abandoned operation without recording an error.
// A ticket that is no longer current returns ErrStale.
func (m *Machine) Cancel(t Ticket) error {
	return m.apply(operation{name: "cancel_" + t.Op.String(), run: func(s *StartupState) (bool, error) {
		if err := m.checkTicket(s, t, t.Op); err != nil {
			return false, err
		}
		s.Loading, s.Pending = false, OpNone
		m.logger.Debug("async operation cancelled", zap.Stringer("op", t.Op), zap.Uint64("seq", t.Seq))
		return true, nil
	}})
}
