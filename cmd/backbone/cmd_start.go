package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"backbone/internal/startup"
)

var (
	startMode     string
	startStorage  string
	startEmail    string
	startPassword string
	startProject  string
	startResume   bool
)

// startCmd runs the launch sequence without the terminal UI
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the launch sequence non-interactively",
	Long: `Runs mode selection, authentication and project selection from flags,
printing every state the launcher passes through.

The password may also be given in the BACKBONE_PASSWORD environment variable.
--project accepts a project id or name.

Examples:
  backbone start --mode standalone --storage local --project "Field Notes"
  backbone start --mode shared --storage cloud --email ada@example.com --project p-42
  backbone start --resume`,
	RunE: runStart,
}

func initStartFlags() {
	startCmd.Flags().StringVar(&startMode, "mode", "", "Operating mode: standalone or shared_network")
	startCmd.Flags().StringVar(&startStorage, "storage", "", "Storage backend: local, cloud or hybrid")
	startCmd.Flags().StringVar(&startEmail, "email", "", "Account email for authenticated backends")
	startCmd.Flags().StringVar(&startPassword, "password", "", "Account password (or set BACKBONE_PASSWORD env)")
	startCmd.Flags().StringVar(&startProject, "project", "", "Project id or name to open")
	startCmd.Flags().BoolVar(&startResume, "resume", false, "Reuse the remembered mode, storage and project")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	unsubscribe := a.machine.Subscribe(func(s startup.StartupState) {
		fmt.Fprintln(os.Stdout, formatState(s))
	})
	defer unsubscribe()

	if err := a.flow.Prepare(ctx); err != nil {
		return err
	}
	if err := stateError(a.machine.State()); err != nil {
		return err
	}

	if startResume {
		resumed, err := a.flow.Resume(ctx)
		if err != nil {
			return err
		}
		if resumed && a.machine.State().Step == startup.StepComplete {
			return a.printOpened(ctx, a.machine.State())
		}
		if !resumed && startMode == "" {
			if err := stateError(a.machine.State()); err != nil {
				return fmt.Errorf("remembered selection no longer applies: %w", err)
			}
			return errors.New("nothing remembered to resume; pass --mode and --storage")
		}
	}

	if s := a.machine.State(); s.Step == startup.StepModeSelection {
		mode, err := startup.ParseMode(startMode)
		if err != nil {
			return err
		}
		storage, err := startup.ParseStorageMode(startStorage)
		if err != nil {
			return err
		}
		if !mode.Valid() || !storage.Valid() {
			return errors.New("--mode and --storage are required")
		}
		if err := a.flow.SelectMode(mode, storage); err != nil {
			return err
		}
		if err := stateError(a.machine.State()); err != nil {
			return err
		}
	}

	if a.machine.State().Step == startup.StepAuthentication {
		password := startPassword
		if password == "" {
			password = os.Getenv("BACKBONE_PASSWORD")
		}
		if startEmail == "" || password == "" {
			return errors.New("this backend requires sign-in; pass --email and --password")
		}
		if err := a.flow.SignIn(ctx, startEmail, password); err != nil {
			return err
		}
		if err := stateError(a.machine.State()); err != nil {
			return err
		}
	}

	if a.machine.State().Step == startup.StepProjectSelection {
		id, err := pickProject(ctx, a, startProject)
		if err != nil {
			return err
		}
		if err := a.flow.OpenProject(ctx, id); err != nil {
			return err
		}
		if err := stateError(a.machine.State()); err != nil {
			return err
		}
	}

	return a.printOpened(ctx, a.machine.State())
}

// pickProject resolves ref against the selected backend's projects by id, then by name.
func pickProject(ctx context.Context, a *app, ref string) (string, error) {
	list, err := a.flow.Projects(ctx)
	if err != nil {
		return "", err
	}
	if ref == "" {
		if len(list) == 0 {
			return "", errors.New("no projects on this backend; create one with 'backbone projects add'")
		}
		names := make([]string, len(list))
		for i, p := range list {
			names[i] = fmt.Sprintf("%s (%s)", p.Name, p.ID)
		}
		return "", fmt.Errorf("choose a project with --project: %s", strings.Join(names, ", "))
	}
	for _, p := range list {
		if p.ID == ref {
			return p.ID, nil
		}
	}
	for _, p := range list {
		if strings.EqualFold(p.Name, ref) {
			return p.ID, nil
		}
	}
	// Let the load fail with the catalog's own error
	return ref, nil
}

// stateError returns the error recorded in s, if any.
func stateError(s startup.StartupState) error {
	if s.Err == nil {
		return nil
	}
	return s.Err
}

// formatState renders one snapshot as a single line.
func formatState(s startup.StartupState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", s.Generation, s.Step)
	if s.Mode.Valid() {
		fmt.Fprintf(&b, " %s/%s", s.Mode, s.Storage)
	}
	if s.User != nil {
		fmt.Fprintf(&b, " user=%s", s.User.Email)
	}
	if s.ProjectID != "" {
		fmt.Fprintf(&b, " project=%s", s.ProjectID)
	}
	if s.Loading {
		fmt.Fprintf(&b, " (waiting for %s)", s.Pending)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, " error: %v", s.Err)
	}
	return b.String()
}
