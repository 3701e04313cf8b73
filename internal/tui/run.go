package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"backbone/internal/bootstrap"
	"backbone/internal/startup"
)

// feed carries machine snapshots to the bubbletea loop in commit order.
type feed struct {
	updates chan startup.StartupState
	done    chan struct{}
}

func newFeed() *feed {
	return &feed{
		updates: make(chan startup.StartupState, 16),
		done:    make(chan struct{}),
	}
}

// forward is the machine listener. It blocks while the buffer is full so no snapshot is
// dropped; closing done releases it.
func (f *feed) forward(s startup.StartupState) {
	select {
	case f.updates <- s:
	case <-f.done:
	}
}

func (f *feed) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-f.updates:
			return stateMsg(s)
		case <-f.done:
			return nil
		}
	}
}

func (f *feed) close() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

// Run shows the bootstrap screens until the flow completes or the user quits, and returns
// the final machine state. Flow calls still in flight when the user quits are abandoned.
func Run(ctx context.Context, flow *bootstrap.Flow, opts Options, programOpts ...tea.ProgramOption) (startup.StartupState, error) {
	m := New(ctx, flow, opts)
	unsubscribe := flow.Machine().Subscribe(m.feed.forward)
	defer unsubscribe()
	defer m.feed.close()

	programOpts = append([]tea.ProgramOption{tea.WithContext(ctx)}, programOpts...)
	p := tea.NewProgram(m, programOpts...)
	_, err := p.Run()

	flow.Abandon()
	return flow.Machine().State(), err
}
