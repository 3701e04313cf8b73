package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"backbone/internal/startup"
)

// setupCLI points the commands at a fresh data directory and clears flag state.
func setupCLI(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()

	dir := t.TempDir()
	t.Setenv("BACKBONE_DATA_DIR", dir)
	t.Setenv("BACKBONE_TIER", "")
	t.Setenv("BACKBONE_SIGNING_KEY", "")
	t.Setenv("BACKBONE_PASSWORD", "")
	configPath = filepath.Join(dir, "config.yaml")
	tierFlag, webOnly = "", false

	startMode, startStorage, startEmail, startPassword, startProject, startResume = "", "", "", "", "", false
	projectName, projectMode, projectStorage, projectDescription, projectOwner, projectsAll = "", "standalone", "local", "", "", false
	accountEmail, accountName, accountPassword = "", "", ""
	configForce = false
	return dir
}

func addProject(t *testing.T, name, mode, storage string) string {
	t.Helper()
	projectName, projectMode, projectStorage = name, mode, storage
	out := captureOutput(t, func() {
		if err := runProjectsAdd(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runProjectsAdd returned error: %v", err)
		}
	})
	open, end := strings.Index(out, "("), strings.Index(out, ")")
	if open < 0 || end < open {
		t.Fatalf("unexpected add output: %s", out)
	}
	return out[open+1 : end]
}

func addAccount(t *testing.T, email, password string) {
	t.Helper()
	accountEmail, accountName, accountPassword = email, "Ada", password
	captureOutput(t, func() {
		if err := runAccountsAdd(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runAccountsAdd returned error: %v", err)
		}
	})
}

func TestFormatState(t *testing.T) {
	s := startup.StartupState{
		Step:       startup.StepAuthentication,
		Mode:       startup.ModeSharedNetwork,
		Storage:    startup.StorageCloud,
		Loading:    true,
		Pending:    startup.OpAuthentication,
		Generation: 2,
	}
	got := formatState(s)
	want := "[2] authentication shared_network/cloud (waiting for authentication)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRunTiers(t *testing.T) {
	setupCLI(t)

	output := captureOutput(t, func() {
		if err := runTiers(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runTiers returned error: %v", err)
		}
	})

	for _, want := range []string{"free", "team", "enterprise", "unlimited", "local, cloud, hybrid"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in tiers output:\n%s", want, output)
		}
	}
}

func TestRunTiers_WebOnlyDropsLocalDisk(t *testing.T) {
	setupCLI(t)
	webOnly = true

	output := captureOutput(t, func() {
		if err := runTiers(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runTiers returned error: %v", err)
		}
	})

	if strings.Contains(output, "local") || strings.Contains(output, "hybrid") {
		t.Fatalf("web-only tiers should only offer cloud:\n%s", output)
	}
}

func TestStart_StandaloneLocal(t *testing.T) {
	setupCLI(t)
	addProject(t, "Field Notes", "standalone", "local")

	startMode, startStorage, startProject = "standalone", "local", "field notes"
	output := captureOutput(t, func() {
		if err := runStart(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStart returned error: %v", err)
		}
	})

	for _, want := range []string{"project_selection standalone/local", "(waiting for project_load)", "complete", "Opened Field Notes"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestStart_ResumeReopensLastProject(t *testing.T) {
	setupCLI(t)
	addProject(t, "Field Notes", "standalone", "local")

	startMode, startStorage, startProject = "standalone", "local", "Field Notes"
	captureOutput(t, func() {
		if err := runStart(&cobra.Command{}, nil); err != nil {
			t.Fatalf("first runStart returned error: %v", err)
		}
	})

	startMode, startStorage, startProject, startResume = "", "", "", true
	output := captureOutput(t, func() {
		if err := runStart(&cobra.Command{}, nil); err != nil {
			t.Fatalf("resumed runStart returned error: %v", err)
		}
	})
	if !strings.Contains(output, "Opened Field Notes") {
		t.Fatalf("expected the remembered project to open, got:\n%s", output)
	}
}

func TestStart_ResumeWithNothingRemembered(t *testing.T) {
	setupCLI(t)
	startResume = true

	var err error
	captureOutput(t, func() { err = runStart(&cobra.Command{}, nil) })
	if err == nil || !strings.Contains(err.Error(), "nothing remembered") {
		t.Fatalf("expected nothing-remembered error, got %v", err)
	}
}

func TestStart_CloudRejectedOnFreeTier(t *testing.T) {
	setupCLI(t)
	startMode, startStorage = "shared", "cloud"

	var err error
	output := captureOutput(t, func() { err = runStart(&cobra.Command{}, nil) })

	if !errors.Is(err, startup.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
	if !strings.Contains(output, "not included in the free license tier") {
		t.Fatalf("expected rejection in state output:\n%s", output)
	}
}

func TestStart_SharedCloudSignIn(t *testing.T) {
	setupCLI(t)
	tierFlag = "pro"
	addAccount(t, "ada@example.com", "analytical engine")
	id := addProject(t, "Notes", "shared", "cloud")

	startMode, startStorage, startEmail, startProject = "shared", "cloud", "ada@example.com", id
	t.Setenv("BACKBONE_PASSWORD", "analytical engine")
	output := captureOutput(t, func() {
		if err := runStart(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStart returned error: %v", err)
		}
	})

	for _, want := range []string{"user=ada@example.com", "Opened Notes", "Signed in as Ada <ada@example.com>"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestStart_WrongPassword(t *testing.T) {
	setupCLI(t)
	tierFlag = "pro"
	addAccount(t, "ada@example.com", "analytical engine")

	startMode, startStorage, startEmail, startPassword = "shared", "cloud", "ada@example.com", "difference engine"
	var err error
	captureOutput(t, func() { err = runStart(&cobra.Command{}, nil) })

	if !startup.IsKind(err, startup.KindAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestStart_RequiresSelectionAndProject(t *testing.T) {
	setupCLI(t)

	var err error
	captureOutput(t, func() { err = runStart(&cobra.Command{}, nil) })
	if err == nil || !strings.Contains(err.Error(), "--mode and --storage are required") {
		t.Fatalf("expected missing selection error, got %v", err)
	}

	addProject(t, "Alpha", "standalone", "local")
	startMode, startStorage = "standalone", "local"
	captureOutput(t, func() { err = runStart(&cobra.Command{}, nil) })
	if err == nil || !strings.Contains(err.Error(), "choose a project with --project: Alpha") {
		t.Fatalf("expected project choice error, got %v", err)
	}
}

func TestRunStatus(t *testing.T) {
	setupCLI(t)

	output := captureOutput(t, func() {
		if err := runStatus(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStatus returned error: %v", err)
		}
	})

	for _, want := range []string{"Tier:      free", "Backends:  local", "Session:   none", "nothing remembered"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in status output:\n%s", want, output)
		}
	}
}

func TestRunStatus_UnknownTier(t *testing.T) {
	setupCLI(t)
	tierFlag = "platinum"

	output := captureOutput(t, func() {
		if err := runStatus(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStatus returned error: %v", err)
		}
	})
	if !strings.Contains(output, "Backends:  unavailable") {
		t.Fatalf("expected unavailable backends, got:\n%s", output)
	}
}

func TestProjectsArchiveHidesProject(t *testing.T) {
	setupCLI(t)
	id := addProject(t, "Old", "standalone", "local")

	captureOutput(t, func() {
		if err := runProjectsArchive(&cobra.Command{}, []string{id}); err != nil {
			t.Fatalf("runProjectsArchive returned error: %v", err)
		}
	})

	output := captureOutput(t, func() {
		if err := runProjectsList(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runProjectsList returned error: %v", err)
		}
	})
	if !strings.Contains(output, "No projects found") {
		t.Fatalf("archived project should be hidden, got:\n%s", output)
	}

	projectsAll = true
	output = captureOutput(t, func() {
		if err := runProjectsList(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runProjectsList --all returned error: %v", err)
		}
	})
	if !strings.Contains(output, "Old") {
		t.Fatalf("--all should include archived projects, got:\n%s", output)
	}
}

func TestAccountsList(t *testing.T) {
	setupCLI(t)

	output := captureOutput(t, func() {
		if err := runAccountsList(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runAccountsList returned error: %v", err)
		}
	})
	if !strings.Contains(output, "No accounts") {
		t.Fatalf("expected empty directory message, got:\n%s", output)
	}

	addAccount(t, "ada@example.com", "analytical engine")
	output = captureOutput(t, func() {
		if err := runAccountsList(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runAccountsList returned error: %v", err)
		}
	})
	if !strings.Contains(output, "ada@example.com") {
		t.Fatalf("expected account in listing, got:\n%s", output)
	}
}

func TestConfigInit(t *testing.T) {
	setupCLI(t)

	captureOutput(t, func() {
		if err := runConfigInit(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runConfigInit returned error: %v", err)
		}
	})
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if err := runConfigInit(&cobra.Command{}, nil); err == nil {
		t.Fatal("expected an error when the config already exists")
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
