package startup

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder collects every snapshot delivered to it.
type recorder struct {
	mu     sync.Mutex
	states []StartupState
}

func (r *recorder) listen(s StartupState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *recorder) last() StartupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func newTestMachine(t *testing.T) (*Machine, *recorder) {
	t.Helper()
	m := New(WithEntitlement(*fullEntitlement()))
	rec := &recorder{}
	m.Subscribe(rec.listen)
	return m, rec
}

var alice = User{ID: "u-1", DisplayName: "Alice", Email: "alice@example.com"}

// errors are compared with errors.Is so wrapped causes do not need to be deep-equal
var equateErrors = cmpopts.EquateErrors()

func TestNew_InitialState(t *testing.T) {
	m := New()
	s := m.State()

	assert.Equal(t, StepModeSelection, s.Step)
	assert.Equal(t, ModeUnset, s.Mode)
	assert.Equal(t, StorageUnset, s.Storage)
	assert.Nil(t, s.User)
	assert.Empty(t, s.ProjectID)
	assert.False(t, s.Loading)
	assert.Nil(t, s.Err)
	assert.Zero(t, s.Generation)
	assert.Nil(t, s.Entitlement)
}

func TestScenario_StandaloneLocalSkipsAuthentication(t *testing.T) {
	m, rec := newTestMachine(t)

	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	s := m.State()
	assert.Equal(t, StepProjectSelection, s.Step)
	assert.Nil(t, s.Err)
	assert.Nil(t, s.User)
	assert.Equal(t, uint64(1), s.Generation)
	assert.Equal(t, 1, rec.count())
}

func TestScenario_SharedCloudRequiresAuthentication(t *testing.T) {
	m, rec := newTestMachine(t)

	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageCloud))
	assert.Equal(t, StepAuthentication, m.State().Step)

	require.NoError(t, m.OnAuthenticationSuccess(alice))
	s := m.State()
	assert.Equal(t, StepProjectSelection, s.Step)
	require.NotNil(t, s.User)
	assert.Equal(t, alice, *s.User)
	assert.Equal(t, 2, rec.count())
}

func TestScenario_StandaloneCloudRejected(t *testing.T) {
	m, rec := newTestMachine(t)

	require.NoError(t, m.SelectMode(ModeStandalone, StorageCloud))

	s := m.State()
	assert.Equal(t, StepModeSelection, s.Step)
	require.NotNil(t, s.Err)
	assert.Equal(t, KindInvalidConfiguration, s.Err.Kind)
	assert.ErrorIs(t, s.Err, ErrInvalidConfiguration)
	assert.Equal(t, ModeUnset, s.Mode)
	assert.Equal(t, StorageUnset, s.Storage)
	assert.Equal(t, uint64(1), s.Generation)
	assert.Equal(t, 1, rec.count())
	assert.NotNil(t, rec.last().Err, "rejection is delivered with the error set")
}

func TestScenario_SelectProjectCompletes(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	require.NoError(t, m.SelectProject("proj-42"))

	s := m.State()
	assert.Equal(t, StepComplete, s.Step)
	assert.Equal(t, "proj-42", s.ProjectID)
	assert.False(t, s.Loading)
}

func TestScenario_ResetFromComplete(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageHybrid))
	require.NoError(t, m.OnAuthenticationSuccess(alice))
	require.NoError(t, m.SelectProject("proj-42"))
	before := m.State().Generation

	m.Reset()

	s := m.State()
	assert.Equal(t, StepModeSelection, s.Step)
	assert.Equal(t, ModeUnset, s.Mode)
	assert.Equal(t, StorageUnset, s.Storage)
	assert.Nil(t, s.User)
	assert.Empty(t, s.ProjectID)
	assert.Nil(t, s.Err)
	assert.Equal(t, before+1, s.Generation)
	assert.NotNil(t, s.Entitlement, "entitlement snapshot survives reset")
}

func TestScenario_AuthenticationSuccessInWrongStep(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := New(WithEntitlement(*fullEntitlement()), WithLogger(zap.New(core)))
	rec := &recorder{}
	m.Subscribe(rec.listen)
	before := m.State()

	err := m.OnAuthenticationSuccess(alice)

	assert.ErrorIs(t, err, ErrStepMismatch)
	assert.True(t, IsKind(err, KindStepMismatch))
	if diff := cmp.Diff(before, m.State(), equateErrors); diff != "" {
		t.Errorf("state changed on step mismatch (-before +after):\n%s", diff)
	}
	assert.Equal(t, 1, rec.count(), "rejected calls still notify once")
	assert.Equal(t, 1, logs.FilterMessage("operation invoked in wrong step").Len())
}

func TestSelectMode_RejectedKeepsPreviousSelection(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageCloud))

	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageLocal))

	s := m.State()
	assert.Equal(t, StepAuthentication, s.Step)
	assert.Equal(t, ModeSharedNetwork, s.Mode)
	assert.Equal(t, StorageCloud, s.Storage)
	assert.True(t, IsKind(s.Err, KindInvalidConfiguration))
	assert.Equal(t, uint64(2), s.Generation)
}

func TestSelectMode_ReselectFromAuthentication(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageCloud))
	require.NoError(t, m.OnAuthenticationFailure(errors.New("bad password")))
	require.True(t, IsKind(m.State().Err, KindAuthenticationFailed))

	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	s := m.State()
	assert.Equal(t, StepProjectSelection, s.Step)
	assert.Nil(t, s.Err)
	assert.Nil(t, s.User)
}

func TestSelectMode_NotAllowedAfterAuthentication(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))
	gen := m.State().Generation

	err := m.SelectMode(ModeStandalone, StorageLocal)

	assert.ErrorIs(t, err, ErrStepMismatch)
	assert.Equal(t, gen, m.State().Generation)
}

func TestSelectMode_MalformedInput(t *testing.T) {
	m, rec := newTestMachine(t)

	err := m.SelectMode(Mode(9), StorageLocal)

	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Zero(t, m.State().Generation)
	assert.Nil(t, m.State().Err)
	assert.Equal(t, 1, rec.count())
}

func TestSelectMode_WithoutEntitlement(t *testing.T) {
	m := New()

	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	s := m.State()
	assert.Equal(t, StepModeSelection, s.Step)
	assert.True(t, IsKind(s.Err, KindInvalidConfiguration))
}

func TestAuthenticationFailure_Retryable(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageCloud))
	cause := errors.New("token expired")

	require.NoError(t, m.OnAuthenticationFailure(cause))
	s := m.State()
	assert.Equal(t, StepAuthentication, s.Step)
	require.NotNil(t, s.Err)
	assert.ErrorIs(t, s.Err, ErrAuthenticationFailed)
	assert.ErrorIs(t, s.Err, cause)

	require.NoError(t, m.OnAuthenticationSuccess(alice))
	assert.Nil(t, m.State().Err)
	assert.Equal(t, StepProjectSelection, m.State().Step)
}

func TestProjectLoadFailure_Retryable(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	require.NoError(t, m.OnProjectLoadFailure(errors.New("disk unplugged")))
	s := m.State()
	assert.Equal(t, StepProjectSelection, s.Step)
	assert.Empty(t, s.ProjectID)
	assert.True(t, IsKind(s.Err, KindProjectLoadFailed))

	require.NoError(t, m.SelectProject("proj-7"))
	assert.Equal(t, StepComplete, m.State().Step)
	assert.Nil(t, m.State().Err)
}

func TestSelectProject_EmptyID(t *testing.T) {
	m, rec := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	err := m.SelectProject("  ")

	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Equal(t, StepProjectSelection, m.State().Step)
	assert.Equal(t, 2, rec.count())
}

func TestReset_Idempotent(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageCloud))
	require.NoError(t, m.OnAuthenticationFailure(errors.New("nope")))

	m.Reset()
	once := m.State()
	m.Reset()
	twice := m.State()

	ignoreGen := cmpopts.IgnoreFields(StartupState{}, "Generation")
	if diff := cmp.Diff(once, twice, ignoreGen, equateErrors); diff != "" {
		t.Errorf("second reset changed state (-once +twice):\n%s", diff)
	}
	assert.Equal(t, once.Generation+1, twice.Generation)
}

func TestSubscribe_NotificationOrderAndUnsubscribe(t *testing.T) {
	m := New(WithEntitlement(*fullEntitlement()))
	var order []string
	unsubA := m.Subscribe(func(StartupState) { order = append(order, "a") })
	m.Subscribe(func(StartupState) { order = append(order, "b") })
	unsubC := m.Subscribe(func(StartupState) { order = append(order, "c") })

	m.Reset()
	assert.Equal(t, []string{"a", "b", "c"}, order)

	unsubA()
	unsubA()
	order = nil
	m.Reset()
	assert.Equal(t, []string{"b", "c"}, order)
	assert.Equal(t, 2, m.ListenerCount())

	unsubC()
	assert.Equal(t, 1, m.ListenerCount())
}

func TestSubscribe_UnsubscribeDuringDelivery(t *testing.T) {
	m := New()
	var calls int
	var unsub func()
	unsub = m.Subscribe(func(StartupState) {
		calls++
		unsub()
	})
	other := &recorder{}
	m.Subscribe(other.listen)

	m.Reset()
	m.Reset()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other.count(), "later listeners still see the in-flight notification")
}

func TestSubscribe_PanickingListenerIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := New(WithLogger(zap.New(core)))
	m.Subscribe(func(StartupState) { panic("boom") })
	rec := &recorder{}
	m.Subscribe(rec.listen)

	m.Reset()

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, logs.FilterMessage("startup listener panicked").Len())
}

func TestReentrantCallsAreQueued(t *testing.T) {
	m := New(WithEntitlement(*fullEntitlement()))
	var reentrantErr error
	fired := false
	var first []Step
	m.Subscribe(func(s StartupState) {
		first = append(first, s.Step)
		if s.Step == StepProjectSelection && !fired {
			fired = true
			reentrantErr = m.SelectProject("proj-1")
			// the queued call must not have been applied yet
			first = append(first, m.State().Step)
		}
	})
	second := &recorder{}
	m.Subscribe(second.listen)

	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	assert.NoError(t, reentrantErr)
	assert.Equal(t, []Step{StepProjectSelection, StepProjectSelection, StepComplete}, first)
	require.Equal(t, 2, second.count())
	assert.Equal(t, StepProjectSelection, second.states[0].Step)
	assert.Equal(t, StepComplete, second.states[1].Step)
	assert.Equal(t, StepComplete, m.State().Step)
}

func TestSelectModeThen_RunsWithAppliedSnapshot(t *testing.T) {
	m, _ := newTestMachine(t)

	var got []StartupState
	require.NoError(t, m.SelectModeThen(ModeSharedNetwork, StorageCloud, func(s StartupState, err error) {
		assert.NoError(t, err)
		got = append(got, s)
	}))

	require.Len(t, got, 1)
	assert.Equal(t, StepAuthentication, got[0].Step)
	assert.Equal(t, uint64(1), got[0].Generation)
}

func TestSelectModeThen_QueuedRunsAfterApply(t *testing.T) {
	m := New(WithEntitlement(*fullEntitlement()))
	var got []StartupState
	var queuedErr error
	fired := false
	m.Subscribe(func(s StartupState) {
		if s.Generation == 1 && !fired {
			fired = true
			queuedErr = m.SelectModeThen(ModeStandalone, StorageLocal, func(s StartupState, err error) {
				assert.NoError(t, err)
				got = append(got, s)
			})
			// nothing applied yet
			assert.Empty(t, got)
		}
	})

	m.Reset()

	assert.NoError(t, queuedErr)
	require.Len(t, got, 1)
	assert.Equal(t, StepProjectSelection, got[0].Step)
	assert.Equal(t, ModeStandalone, got[0].Mode)
	assert.Equal(t, uint64(2), got[0].Generation)
}

func TestSelectModeThen_ReceivesRejection(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeStandalone, StorageLocal))

	var gotErr error
	err := m.SelectModeThen(ModeStandalone, StorageLocal, func(_ StartupState, err error) { gotErr = err })
	assert.ErrorIs(t, err, ErrStepMismatch)
	assert.ErrorIs(t, gotErr, ErrStepMismatch)
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	m := New()
	var mu sync.Mutex
	var gens []uint64
	m.Subscribe(func(s StartupState) {
		mu.Lock()
		gens = append(gens, s.Generation)
		mu.Unlock()
	})

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Reset()
		}()
	}
	wg.Wait()

	require.Len(t, gens, n)
	for i, g := range gens {
		assert.Equal(t, uint64(i+1), g, "notifications delivered in commit order")
	}
	assert.Equal(t, uint64(n), m.State().Generation)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m, rec := newTestMachine(t)
	require.NoError(t, m.SelectMode(ModeSharedNetwork, StorageCloud))
	require.NoError(t, m.OnAuthenticationSuccess(alice))

	got := rec.last()
	got.User.DisplayName = "mallory"
	delete(got.Entitlement.AllowedBackends, StorageCloud)

	s := m.State()
	assert.Equal(t, "Alice", s.User.DisplayName)
	assert.True(t, s.Entitlement.AllowedBackends.Has(StorageCloud))
}

// TestReachableStateInvariants drives the machine with a random operation sequence and
// checks the structural invariants after every step.
func TestReachableStateInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := New(WithEntitlement(Entitlement{Tier: "team", AllowedBackends: NewStorageSet(StorageLocal, StorageCloud)}))
	modes := []Mode{ModeStandalone, ModeSharedNetwork}
	storages := []StorageMode{StorageLocal, StorageCloud, StorageHybrid}
	var tickets []Ticket

	for i := 0; i < 2000; i++ {
		before := m.State()
		switch rng.Intn(9) {
		case 0, 1:
			_ = m.SelectMode(modes[rng.Intn(2)], storages[rng.Intn(3)])
		case 2:
			_ = m.OnAuthenticationSuccess(alice)
		case 3:
			_ = m.OnAuthenticationFailure(errors.New("denied"))
		case 4:
			_ = m.SelectProject("p")
		case 5:
			_ = m.OnProjectLoadFailure(errors.New("missing"))
		case 6:
			m.Reset()
		case 7:
			if tk, err := m.Begin(Op(1 + rng.Intn(3))); err == nil {
				tickets = append(tickets, tk)
			}
		case 8:
			if len(tickets) == 0 {
				continue
			}
			tk := tickets[rng.Intn(len(tickets))]
			var err error
			switch tk.Op {
			case OpEntitlements:
				err = m.CompleteEntitlements(tk, m.State().Entitlement, nil)
			case OpAuthentication:
				err = m.CompleteAuthentication(tk, &alice, nil)
			case OpProjectLoad:
				err = m.CompleteProjectLoad(tk, "p", nil)
			}
			if errors.Is(err, ErrStale) {
				if diff := cmp.Diff(before, m.State(), equateErrors); diff != "" {
					t.Fatalf("stale completion mutated state:\n%s", diff)
				}
			}
		}

		s := m.State()
		require.GreaterOrEqual(t, s.Generation, before.Generation)
		require.Equal(t, s.Pending != OpNone, s.Loading)
		require.Equal(t, s.Step == StepComplete, s.ProjectID != "")
		if s.Storage != StorageUnset {
			require.True(t, IntrinsicBackends(s.Mode).Has(s.Storage), "storage %s outside %s", s.Storage, s.Mode)
		}
		switch s.Step {
		case StepModeSelection, StepAuthentication:
			require.Nil(t, s.User)
		case StepProjectSelection, StepComplete:
			require.Equal(t, RequiresAuthentication(s.Mode, s.Storage), s.User != nil)
		}
		if s.Step != before.Step && before.Step == StepModeSelection && s.Step != StepModeSelection {
			require.Greater(t, s.Generation, before.Generation)
		}
	}
}
