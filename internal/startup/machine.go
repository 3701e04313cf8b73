package startup

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Machine sequences the bootstrap flow: mode selection, authentication and project selection.
//
// Every public operation commits at most one state change and then notifies each listener
// exactly once with the resulting snapshot, in subscription order. An operation requested
// while a notification is being delivered (a listener calling back into the machine, or a
// concurrent caller) is queued and applied after the current notification completes; such a
// call returns nil and its outcome is reported through the notification and the log.
//
// The machine is meant to be driven from one goroutine, usually the UI loop. Asynchronous
// collaborator calls are bracketed by Begin and one of the Complete methods; completions
// whose ticket predates a later Reset, SelectMode or Begin of the same operation are
// discarded with ErrStale.
type Machine struct {
	mu           sync.Mutex
	state        StartupState
	listeners    []listenerEntry
	nextListener uint64
	seq          uint64

	// pendingSeq is the Seq of the ticket that owns state.Pending.
	pendingSeq uint64

	dispatching bool
	deferred    []operation

	logger *zap.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for transitions and caller defects.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEntitlement seeds the entitlement snapshot used by the validator.
func WithEntitlement(ent Entitlement) Option {
	return func(m *Machine) {
		m.state.Entitlement = ent.clone()
	}
}

// New creates a machine in the ModeSelection step at generation 0.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:  StartupState{Step: StepModeSelection},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns an immutable snapshot of the current state.
func (m *Machine) State() StartupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.snapshot()
}

type operation struct {
	name string
	// run mutates s under the machine lock and reports whether listeners should be notified.
	run func(s *StartupState) (notify bool, err error)
	// then, if set, receives the snapshot run produced once listeners have seen it.
	then func(snap StartupState, err error)
}

func (m *Machine) apply(op operation) error {
	m.mu.Lock()
	if m.dispatching {
		m.deferred = append(m.deferred, op)
		m.mu.Unlock()
		m.logger.Debug("operation queued behind in-flight notification", zap.String("op", op.name))
		return nil
	}
	m.dispatching = true
	notify, err := op.run(&m.state)
	snap, listeners := m.state.snapshot(), m.listeners
	m.mu.Unlock()

	if notify {
		m.deliver(listeners, snap)
	}
	m.drain()
	if op.then != nil {
		op.then(snap, err)
	}
	return err
}

// drain applies queued operations one at a time, each followed by its own notification.
func (m *Machine) drain() {
	for {
		m.mu.Lock()
		if len(m.deferred) == 0 {
			m.dispatching = false
			m.mu.Unlock()
			return
		}
		op := m.deferred[0]
		m.deferred = m.deferred[1:]
		notify, err := op.run(&m.state)
		snap, listeners := m.state.snapshot(), m.listeners
		m.mu.Unlock()

		if err != nil && !errors.Is(err, ErrStale) {
			m.logger.Debug("queued operation rejected", zap.String("op", op.name), zap.Error(err))
		}
		if notify {
			m.deliver(listeners, snap)
		}
		if op.then != nil {
			op.then(snap, err)
		}
	}
}

// SelectMode validates the pair against the entitlement snapshot and advances to
// Authentication or ProjectSelection. A rejected pair records InvalidConfiguration and
// leaves the step unchanged. It is accepted in ModeSelection and, as a re-selection
// superseding a pending sign-in, in Authentication.
func (m *Machine) SelectMode(mode Mode, storage StorageMode) error {
	return m.apply(m.selectMode(mode, storage, nil))
}

// SelectModeThen is SelectMode followed by then, which receives the snapshot the selection
// produced and its error. When the call is queued behind a notification, SelectModeThen
// returns nil at once and then runs later, after the queued selection is applied.
func (m *Machine) SelectModeThen(mode Mode, storage StorageMode, then func(StartupState, error)) error {
	return m.apply(m.selectMode(mode, storage, then))
}

func (m *Machine) selectMode(mode Mode, storage StorageMode, then func(StartupState, error)) operation {
	return operation{name: "select_mode", then: then, run: func(s *StartupState) (bool, error) {
		if s.Step != StepModeSelection && s.Step != StepAuthentication {
			return true, m.mismatch(s, "SelectMode", StepModeSelection, StepAuthentication)
		}

		v, err := Validate(mode, storage, s.Entitlement)
		if err != nil {
			var verr *Error
			if !errors.As(err, &verr) {
				m.logger.Error("SelectMode called with malformed input", zap.Error(err))
				return true, err
			}
			s.Generation++
			s.Err = verr
			s.Loading, s.Pending = false, OpNone
			m.logger.Info("mode selection rejected",
				zap.Stringer("mode", mode), zap.Stringer("storage", storage), zap.String("reason", verr.Reason))
			return true, nil
		}

		s.Generation++
		s.Mode, s.Storage = mode, storage
		s.User = nil
		s.ProjectID = ""
		s.Err = nil
		s.Loading, s.Pending = false, OpNone
		if v.RequiresAuthentication {
			s.Step = StepAuthentication
		} else {
			s.Step = StepProjectSelection
		}
		m.logger.Debug("mode selected",
			zap.Stringer("mode", mode), zap.Stringer("storage", storage),
			zap.Stringer("step", s.Step), zap.Uint64("generation", s.Generation))
		return true, nil
	}}
}

// OnAuthenticationSuccess records the signed-in user and advances to ProjectSelection.
func (m *Machine) OnAuthenticationSuccess(user User) error {
	return m.apply(operation{name: "authentication_success", run: func(s *StartupState) (bool, error) {
		if s.Step != StepAuthentication {
			return true, m.mismatch(s, "OnAuthenticationSuccess", StepAuthentication)
		}
		if strings.TrimSpace(user.ID) == "" {
			err := errors.New("authenticated user has no id")
			m.logger.Error("OnAuthenticationSuccess called with malformed input", zap.Error(err))
			return true, errors.Join(ErrMalformedInput, err)
		}
		m.authenticated(s, user)
		return true, nil
	}})
}

// OnAuthenticationFailure records AuthenticationFailed; the user may retry sign-in or SelectMode.
func (m *Machine) OnAuthenticationFailure(cause error) error {
	return m.apply(operation{name: "authentication_failure", run: func(s *StartupState) (bool, error) {
		if s.Step != StepAuthentication {
			return true, m.mismatch(s, "OnAuthenticationFailure", StepAuthentication)
		}
		m.authFailed(s, cause)
		return true, nil
	}})
}

// SelectProject records the chosen project and completes the flow.
func (m *Machine) SelectProject(id string) error {
	return m.apply(operation{name: "select_project", run: func(s *StartupState) (bool, error) {
		if s.Step != StepProjectSelection {
			return true, m.mismatch(s, "SelectProject", StepProjectSelection)
		}
		if strings.TrimSpace(id) == "" {
			err := errors.New("project id is empty")
			m.logger.Error("SelectProject called with malformed input", zap.Error(err))
			return true, errors.Join(ErrMalformedInput, err)
		}
		m.projectSelected(s, id)
		return true, nil
	}})
}

// OnProjectLoadFailure records ProjectLoadFailed and stays in ProjectSelection.
func (m *Machine) OnProjectLoadFailure(cause error) error {
	return m.apply(operation{name: "project_load_failure", run: func(s *StartupState) (bool, error) {
		if s.Step != StepProjectSelection {
			return true, m.mismatch(s, "OnProjectLoadFailure", StepProjectSelection)
		}
		m.projectFailed(s, cause)
		return true, nil
	}})
}

// Reset returns to a clean ModeSelection state from any step and increments the generation.
// The entitlement snapshot is kept.
func (m *Machine) Reset() {
	_ = m.apply(operation{name: "reset", run: func(s *StartupState) (bool, error) {
		s.Step = StepModeSelection
		s.Mode = ModeUnset
		s.Storage = StorageUnset
		s.User = nil
		s.ProjectID = ""
		s.Err = nil
		s.Loading, s.Pending = false, OpNone
		s.Generation++
		m.logger.Debug("startup reset", zap.Uint64("generation", s.Generation))
		return true, nil
	}})
}

func (m *Machine) authenticated(s *StartupState, user User) {
	u := user
	s.User = &u
	s.Step = StepProjectSelection
	s.Err = nil
	s.Loading, s.Pending = false, OpNone
	m.logger.Debug("authenticated", zap.String("user", user.ID))
}

func (m *Machine) authFailed(s *StartupState, cause error) {
	s.Err = newError(KindAuthenticationFailed, cause, "sign-in for %s mode was not completed", s.Mode)
	s.Loading, s.Pending = false, OpNone
	m.logger.Info("authentication failed", zap.Error(cause))
}

func (m *Machine) projectSelected(s *StartupState, id string) {
	s.ProjectID = id
	s.Step = StepComplete
	s.Err = nil
	s.Loading, s.Pending = false, OpNone
	m.logger.Debug("project selected", zap.String("project", id))
}

func (m *Machine) projectFailed(s *StartupState, cause error) {
	s.ProjectID = ""
	s.Err = newError(KindProjectLoadFailed, cause, "the selected project could not be opened")
	s.Loading, s.Pending = false, OpNone
	m.logger.Info("project load failed", zap.Error(cause))
}

// mismatch logs a caller defect and returns the StepMismatch error. State is not touched.
func (m *Machine) mismatch(s *StartupState, op string, expected ...Step) error {
	names := make([]string, len(expected))
	for i, st := range expected {
		names[i] = st.String()
	}
	err := newError(KindStepMismatch, nil, "%s requires step %s, current step is %s",
		op, strings.Join(names, " or "), s.Step)
	m.logger.Warn("operation invoked in wrong step",
		zap.String("op", op), zap.Stringer("step", s.Step), zap.Error(err))
	return err
}
