// Package bootstrap drives the startup machine with real collaborators: the license
// entitlement resolver, the authentication provider and the project repository.
//
// Flow methods block on the collaborator and are safe to call from any goroutine; the
// machine serializes the resulting transitions and reports progress to subscribers
// (Loading is set when a call starts and cleared when its outcome is applied).
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backbone/internal/config"
	"backbone/internal/logging"
	"backbone/internal/prefs"
	"backbone/internal/project"
	"backbone/internal/startup"
)

// ErrNoSelection is returned by Projects before a mode and storage backend are selected.
var ErrNoSelection = errors.New("no mode and storage selected")

// EntitlementResolver looks up the backends a license tier permits.
type EntitlementResolver interface {
	Resolve(ctx context.Context, tier string, webOnly bool) (startup.Entitlement, error)
}

// Authenticator signs users in and resumes saved sessions.
// CurrentUser returns nil without error when there is nothing to resume.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (startup.User, error)
	CurrentUser(ctx context.Context) (*startup.User, error)
}

// ProjectRepository lists and loads projects for a backend.
type ProjectRepository interface {
	ListProjects(ctx context.Context, mode startup.Mode, storage startup.StorageMode) ([]project.Summary, error)
	LoadProject(ctx context.Context, id string) (project.Details, error)
}

// projectToucher is implemented by repositories that track recently opened projects.
type projectToucher interface {
	Touch(ctx context.Context, id string) error
}

// PreferenceStore remembers accepted choices across launches.
type PreferenceStore interface {
	RememberSelection(mode startup.Mode, storage startup.StorageMode) error
	RememberUser(userID string) error
	RememberProject(projectID string) error
	LastSelection() (prefs.Selection, bool)
}

// Timeouts bounds each collaborator call.
type Timeouts struct {
	Entitlements   time.Duration
	Authentication time.Duration
	ProjectLoad    time.Duration
}

// TimeoutsFromConfig reads the per-operation timeouts.
func TimeoutsFromConfig(cfg *config.Config) Timeouts {
	return Timeouts{
		Entitlements:   cfg.GetEntitlementsTimeout(),
		Authentication: cfg.GetAuthenticationTimeout(),
		ProjectLoad:    cfg.GetProjectLoadTimeout(),
	}
}

// Options wires a Flow. Resolver, Auth and Projects are required.
type Options struct {
	Resolver EntitlementResolver
	Auth     Authenticator
	Projects ProjectRepository
	Prefs    PreferenceStore
	License  config.LicenseConfig
	Timeouts Timeouts
	Logger   *zap.Logger

	// AuditSink receives audit events; defaults to the global audit trail.
	AuditSink func(logging.AuditEvent)
}

type inflight struct {
	ticket startup.Ticket
	cancel context.CancelFunc
}

// Flow composes the startup machine with its collaborators.
type Flow struct {
	machine  *startup.Machine
	resolver EntitlementResolver
	auth     Authenticator
	projects ProjectRepository
	prefs    PreferenceStore
	license  config.LicenseConfig
	timeouts Timeouts
	logger   *zap.Logger

	mu       sync.Mutex
	session  *startup.User
	inflight map[startup.Op]inflight

	unsubscribe func()
}

// New creates a flow around machine and subscribes the audit recorder.
func New(machine *startup.Machine, opts Options) (*Flow, error) {
	if machine == nil {
		return nil, errors.New("bootstrap: machine is required")
	}
	if opts.Resolver == nil || opts.Auth == nil || opts.Projects == nil {
		return nil, errors.New("bootstrap: resolver, authenticator and project repository are required")
	}

	t := opts.Timeouts
	if t.Entitlements <= 0 {
		t.Entitlements = 5 * time.Second
	}
	if t.Authentication <= 0 {
		t.Authentication = 30 * time.Second
	}
	if t.ProjectLoad <= 0 {
		t.ProjectLoad = 15 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sink := opts.AuditSink
	if sink == nil {
		sink = logging.Audit().Log
	}

	f := &Flow{
		machine:  machine,
		resolver: opts.Resolver,
		auth:     opts.Auth,
		projects: opts.Projects,
		prefs:    opts.Prefs,
		license:  opts.License,
		timeouts: t,
		logger:   logger,
		inflight: make(map[startup.Op]inflight),
	}
	f.unsubscribe = machine.Subscribe(newAuditor(machine.State(), sink).observe)
	return f, nil
}

// Machine returns the underlying state machine.
func (f *Flow) Machine() *startup.Machine {
	return f.machine
}

// Prepare resolves entitlements and looks for a resumable session concurrently.
// Collaborator failures are recorded in state or logged; only caller defects are returned.
func (f *Flow) Prepare(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryBoot, "prepare")
	defer timer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.RefreshEntitlements(gctx)
	})
	g.Go(func() error {
		f.resumeSession(gctx)
		return nil
	})
	return g.Wait()
}

// RefreshEntitlements resolves the configured license tier and applies the result.
// It is only valid in the ModeSelection step.
func (f *Flow) RefreshEntitlements(ctx context.Context) error {
	t, cctx, done, err := f.track(ctx, startup.OpEntitlements, f.timeouts.Entitlements)
	if err != nil {
		return err
	}
	defer done()

	timer := logging.StartTimer(logging.CategoryEntitlement, "resolve "+f.license.Tier)
	ent, err := f.resolver.Resolve(cctx, f.license.Tier, f.license.WebOnly)
	timer.StopWithThreshold(f.timeouts.Entitlements / 2)
	if err != nil {
		err = describe(cctx, err, "entitlement lookup", f.timeouts.Entitlements)
		logging.EntitlementWarn("tier %q: %v", f.license.Tier, err)
		return f.settle(f.machine.CompleteEntitlements(t, nil, err))
	}
	logging.Entitlement("tier %s permits %v", ent.Tier, ent.AllowedBackends.Sorted())
	return f.settle(f.machine.CompleteEntitlements(t, &ent, nil))
}

// EntitlementsChanged re-resolves entitlements after the tier table changed on disk.
// Outside ModeSelection the new table takes effect at the next Reset.
func (f *Flow) EntitlementsChanged(ctx context.Context) {
	if f.machine.State().Step != startup.StepModeSelection {
		logging.EntitlementDebug("tier table changed; applying at next mode selection")
		return
	}
	if err := f.RefreshEntitlements(ctx); err != nil {
		logging.EntitlementWarn("refresh after tier table change: %v", err)
	}
}

func (f *Flow) resumeSession(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, f.timeouts.Authentication)
	defer cancel()

	u, err := f.auth.CurrentUser(cctx)
	if err != nil {
		logging.AuthWarn("could not resume session: %v", err)
		return
	}
	f.mu.Lock()
	f.session = u
	f.mu.Unlock()
	if u != nil {
		logging.Auth("resumable session for %s", u.Email)
	}
}

// Session returns the resumable session found by Prepare or the last sign-in.
func (f *Flow) Session() *startup.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	u := *f.session
	return &u
}

// SelectMode forwards to the machine. An accepted pair is remembered, and when it needs
// authentication and a session can be resumed, sign-in completes immediately. A selection
// queued behind a notification gets the same follow-up once the machine applies it.
func (f *Flow) SelectMode(mode startup.Mode, storage startup.StorageMode) error {
	f.detach(startup.OpAuthentication)
	applied := make(chan error, 1)
	err := f.machine.SelectModeThen(mode, storage, func(s startup.StartupState, err error) {
		if err != nil {
			applied <- nil
			return
		}
		applied <- f.selected(s)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-applied:
		return err
	default:
		f.logger.Debug("mode selection queued behind a notification",
			zap.Stringer("mode", mode), zap.Stringer("storage", storage))
		return nil
	}
}

// selected follows up on the snapshot a mode selection produced.
func (f *Flow) selected(s startup.StartupState) error {
	if s.Err != nil {
		return nil
	}
	f.remember(func(p PreferenceStore) error { return p.RememberSelection(s.Mode, s.Storage) })

	if s.Step != startup.StepAuthentication {
		return nil
	}
	u := f.Session()
	if u == nil {
		return nil
	}
	if cur := f.machine.State(); cur.Generation != s.Generation {
		return nil
	}
	logging.Auth("resuming session for %s", u.Email)
	if err := f.machine.OnAuthenticationSuccess(*u); err != nil {
		return err
	}
	f.remember(func(p PreferenceStore) error { return p.RememberUser(u.ID) })
	return nil
}

// SignIn authenticates with the provider and applies the outcome.
func (f *Flow) SignIn(ctx context.Context, email, password string) error {
	t, cctx, done, err := f.track(ctx, startup.OpAuthentication, f.timeouts.Authentication)
	if err != nil {
		return err
	}
	defer done()

	user, err := f.auth.SignIn(cctx, email, password)
	if err != nil {
		err = describe(cctx, err, "sign-in", f.timeouts.Authentication)
		return f.settle(f.machine.CompleteAuthentication(t, nil, err))
	}

	f.mu.Lock()
	u := user
	f.session = &u
	f.mu.Unlock()

	if err := f.settle(f.machine.CompleteAuthentication(t, &user, nil)); err != nil {
		return err
	}
	f.remember(func(p PreferenceStore) error { return p.RememberUser(user.ID) })
	return nil
}

// Projects lists the projects stored on the selected backend.
func (f *Flow) Projects(ctx context.Context) ([]project.Summary, error) {
	s := f.machine.State()
	if !s.Mode.Valid() || !s.Storage.Valid() {
		return nil, ErrNoSelection
	}
	cctx, cancel := context.WithTimeout(ctx, f.timeouts.ProjectLoad)
	defer cancel()

	list, err := f.projects.ListProjects(cctx, s.Mode, s.Storage)
	if err != nil {
		return nil, describe(cctx, err, "project listing", f.timeouts.ProjectLoad)
	}
	return list, nil
}

// OpenProject loads the project and, on success, completes the flow.
// A project that lives on a different backend than the selected one is a load failure.
func (f *Flow) OpenProject(ctx context.Context, id string) error {
	t, cctx, done, err := f.track(ctx, startup.OpProjectLoad, f.timeouts.ProjectLoad)
	if err != nil {
		return err
	}
	defer done()

	s := f.machine.State()
	d, err := f.projects.LoadProject(cctx, id)
	if err == nil && (d.Mode != s.Mode || d.Storage != s.Storage) {
		err = fmt.Errorf("project %q is stored on %s/%s, not %s/%s", d.Name, d.Mode, d.Storage, s.Mode, s.Storage)
	}
	if err != nil {
		err = describe(cctx, err, "project load", f.timeouts.ProjectLoad)
		logging.ProjectError("open %s: %v", id, err)
		return f.settle(f.machine.CompleteProjectLoad(t, "", err))
	}

	if err := f.settle(f.machine.CompleteProjectLoad(t, d.ID, nil)); err != nil {
		return err
	}
	if toucher, ok := f.projects.(projectToucher); ok {
		if err := toucher.Touch(ctx, d.ID); err != nil {
			logging.ProjectDebug("touch %s: %v", d.ID, err)
		}
	}
	f.remember(func(p PreferenceStore) error { return p.RememberProject(d.ID) })
	logging.Project("opened %s (%s)", d.Name, d.ID)
	return nil
}

// Resume replays the remembered selection: mode and storage, then the project when one
// was remembered and the flow reached ProjectSelection without further input.
// It reports whether a remembered selection was applied.
func (f *Flow) Resume(ctx context.Context) (bool, error) {
	if f.prefs == nil {
		return false, nil
	}
	sel, ok := f.prefs.LastSelection()
	if !ok || !sel.Mode.Valid() || !sel.Storage.Valid() {
		return false, nil
	}
	if err := f.SelectMode(sel.Mode, sel.Storage); err != nil {
		return false, err
	}
	s := f.machine.State()
	if s.Err != nil {
		return false, nil
	}
	if s.Step == startup.StepProjectSelection && sel.ProjectID != "" {
		return true, f.OpenProject(ctx, sel.ProjectID)
	}
	return true, nil
}

// Reset abandons in-flight calls and returns the machine to ModeSelection.
func (f *Flow) Reset() {
	f.detach(startup.OpEntitlements, startup.OpAuthentication, startup.OpProjectLoad)
	f.machine.Reset()
}

// Abandon cancels an in-flight collaborator call for the current step, if any,
// and clears Loading without recording an error.
func (f *Flow) Abandon() {
	for _, in := range f.detach(startup.OpEntitlements, startup.OpAuthentication, startup.OpProjectLoad) {
		if err := f.machine.Cancel(in.ticket); err != nil && !errors.Is(err, startup.ErrStale) {
			f.logger.Warn("cancel failed", zap.Stringer("op", in.ticket.Op), zap.Error(err))
		}
	}
}

// Close abandons in-flight calls and detaches the audit recorder.
func (f *Flow) Close() {
	f.Abandon()
	f.unsubscribe()
}

// detach cancels the contexts of in-flight calls for ops and forgets them.
// The machine is not touched; callers that supersede the calls bump the generation themselves.
func (f *Flow) detach(ops ...startup.Op) []inflight {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inflight
	for _, op := range ops {
		if in, ok := f.inflight[op]; ok {
			in.cancel()
			out = append(out, in)
			delete(f.inflight, op)
		}
	}
	return out
}

// track begins op on the machine and derives the bounded context for the collaborator call.
// A call already in flight for op is superseded: its context is cancelled and its outcome
// is discarded by the machine.
func (f *Flow) track(ctx context.Context, op startup.Op, timeout time.Duration) (startup.Ticket, context.Context, func(), error) {
	t, err := f.machine.Begin(op)
	if err != nil {
		return startup.Ticket{}, nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)

	f.mu.Lock()
	if prev, ok := f.inflight[op]; ok {
		prev.cancel()
		f.logger.Debug("superseding in-flight call",
			zap.Stringer("op", op), zap.Uint64("seq", prev.ticket.Seq), zap.Uint64("by", t.Seq))
	}
	f.inflight[op] = inflight{ticket: t, cancel: cancel}
	f.mu.Unlock()

	done := func() {
		cancel()
		f.mu.Lock()
		if in, ok := f.inflight[op]; ok && in.ticket == t {
			delete(f.inflight, op)
		}
		f.mu.Unlock()
	}
	return t, cctx, done, nil
}

// settle drops stale completions: the outcome was superseded and the caller has nothing to do.
func (f *Flow) settle(err error) error {
	if errors.Is(err, startup.ErrStale) {
		f.logger.Debug("collaborator result superseded")
		return nil
	}
	return err
}

func (f *Flow) remember(fn func(PreferenceStore) error) {
	if f.prefs == nil {
		return
	}
	if err := fn(f.prefs); err != nil {
		logging.PrefsWarn("failed to save preferences: %v", err)
	}
}

// describe annotates a collaborator error caused by the per-operation deadline.
func describe(ctx context.Context, err error, what string, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %v: %w", what, timeout, err)
	}
	return err
}
