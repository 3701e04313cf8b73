package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"backbone/internal/config"
	"backbone/internal/project"
	"backbone/internal/startup"
)

var (
	projectName        string
	projectMode        string
	projectStorage     string
	projectDescription string
	projectOwner       string
	projectsAll        bool

	accountEmail    string
	accountName     string
	accountPassword string

	configForce bool
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// newTable returns a table with the shared look of all listing commands.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// statusCmd shows what the launcher will offer
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show license tier, resumable session and remembered selection",
	RunE:  runStatus,
}

// tiersCmd lists license tiers
var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List license tiers and the storage backends they permit",
	RunE:  runTiers,
}

// projectsCmd manages the project catalog
var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage the project catalog",
	Long: `Manage the project catalog.

Available subcommands:
  list    - List projects (use --all to include archived)
  add     - Register a new project on a backend
  archive - Hide a project from the picker`,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectsList,
}

var projectsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new project",
	Long: `Registers a project on a backend.

Example:
  backbone projects add --name "Field Notes" --mode standalone --storage local`,
	RunE: runProjectsAdd,
}

var projectsArchiveCmd = &cobra.Command{
	Use:   "archive [id]",
	Short: "Archive a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectsArchive,
}

// accountsCmd manages the local account directory
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage local accounts and the saved session",
	Long: `Manage the accounts the local authentication provider accepts.

Available subcommands:
  add     - Create an account
  list    - List accounts
  signout - Forget the saved session`,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an account",
	RunE:  runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountsList,
}

var accountsSignOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Remove the saved session token",
	RunE:  runAccountsSignOut,
}

// configCmd manages the config file
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE:  runConfigInit,
}

func initCatalogFlags() {
	projectsListCmd.Flags().BoolVar(&projectsAll, "all", false, "Include archived projects and all backends")
	projectsAddCmd.Flags().StringVar(&projectName, "name", "", "Project name (required)")
	projectsAddCmd.Flags().StringVar(&projectMode, "mode", "standalone", "Operating mode")
	projectsAddCmd.Flags().StringVar(&projectStorage, "storage", "local", "Storage backend")
	projectsAddCmd.Flags().StringVar(&projectDescription, "description", "", "Project description")
	projectsAddCmd.Flags().StringVar(&projectOwner, "owner", "", "Owner account id")
	projectsCmd.AddCommand(projectsListCmd, projectsAddCmd, projectsArchiveCmd)

	accountsAddCmd.Flags().StringVar(&accountEmail, "email", "", "Account email (required)")
	accountsAddCmd.Flags().StringVar(&accountName, "name", "", "Display name")
	accountsAddCmd.Flags().StringVar(&accountPassword, "password", "", "Password (or set BACKBONE_PASSWORD env)")
	accountsCmd.AddCommand(accountsAddCmd, accountsListCmd, accountsSignOutCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetEntitlementsTimeout()+cfg.GetAuthenticationTimeout())
	defer cancel()
	if err := a.flow.Prepare(ctx); err != nil {
		return err
	}

	s := a.machine.State()
	fmt.Printf("Tier:      %s", cfg.License.Tier)
	if cfg.License.WebOnly {
		fmt.Print(" (web only)")
	}
	fmt.Println()
	if s.Err != nil || s.Entitlement == nil {
		fmt.Printf("Backends:  unavailable (%v)\n", stateError(s))
	} else {
		fmt.Printf("Backends:  %s\n", joinBackends(s.Entitlement.AllowedBackends))
		fmt.Printf("Seats:     %s\n", seats(s.Entitlement.MaxCollaborators))
	}

	if u := a.flow.Session(); u != nil {
		fmt.Printf("Session:   %s <%s>\n", u.DisplayName, u.Email)
	} else {
		fmt.Println("Session:   none")
	}

	if sel, ok := a.prefs.LastSelection(); ok {
		fmt.Printf("Last used: %s/%s", sel.Mode, sel.Storage)
		if sel.ProjectID != "" {
			fmt.Printf(" project %s", sel.ProjectID)
		}
		fmt.Println()
	} else {
		fmt.Println("Last used: nothing remembered")
	}
	fmt.Printf("Data dir:  %s\n", cfg.Storage.DataDir)
	return nil
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	t := newTable("", "TIER", "BACKENDS", "SEATS")
	for _, name := range a.tiers.Names() {
		ent, err := a.tiers.Resolve(context.Background(), name, cfg.License.WebOnly)
		if err != nil {
			return err
		}
		marker := ""
		if name == cfg.License.Tier {
			marker = "*"
		}
		t.Row(marker, name, joinBackends(ent.AllowedBackends), seats(ent.MaxCollaborators))
	}
	fmt.Println(t.String())
	return nil
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var list []project.Summary
	if projectsAll {
		list, err = a.projects.All(ctx)
	} else {
		list, err = listAllBackends(ctx, a.projects)
	}
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	t := newTable("ID", "NAME", "BACKEND", "LAST OPENED")
	for _, p := range list {
		opened := "never"
		if !p.LastOpenedAt.IsZero() {
			opened = p.LastOpenedAt.Local().Format(time.DateTime)
		}
		t.Row(p.ID, p.Name, fmt.Sprintf("%s/%s", p.Mode, p.Storage), opened)
	}
	fmt.Println(t.String())
	return nil
}

// listAllBackends lists the unarchived projects of every mode and storage pair.
func listAllBackends(ctx context.Context, store *project.Store) ([]project.Summary, error) {
	var out []project.Summary
	for _, mode := range []startup.Mode{startup.ModeStandalone, startup.ModeSharedNetwork} {
		for _, storage := range startup.IntrinsicBackends(mode).Sorted() {
			list, err := store.ListProjects(ctx, mode, storage)
			if err != nil {
				return nil, err
			}
			out = append(out, list...)
		}
	}
	return out, nil
}

func runProjectsAdd(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(projectName) == "" {
		return errors.New("--name is required")
	}
	mode, err := startup.ParseMode(projectMode)
	if err != nil {
		return err
	}
	storage, err := startup.ParseStorageMode(projectStorage)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.projects.Create(context.Background(), project.NewProject{
		Name:        projectName,
		Mode:        mode,
		Storage:     storage,
		Description: projectDescription,
		OwnerID:     projectOwner,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%s) on %s/%s\n", p.Name, p.ID, p.Mode, p.Storage)
	return nil
}

func runProjectsArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.projects.Archive(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Archived %s\n", args[0])
	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	password := accountPassword
	if password == "" {
		password = os.Getenv("BACKBONE_PASSWORD")
	}
	if accountEmail == "" || password == "" {
		return errors.New("--email and --password are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := a.accounts.Add(accountEmail, accountName, password)
	if err != nil {
		return err
	}
	fmt.Printf("Created account %s (%s)\n", acct.Email, acct.ID)
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	accounts := a.accounts.List()
	if len(accounts) == 0 {
		fmt.Println("No accounts. Add one with 'backbone accounts add'.")
		return nil
	}
	t := newTable("EMAIL", "NAME", "ID", "CREATED")
	for _, acct := range accounts {
		t.Row(acct.Email, acct.DisplayName, acct.ID, acct.CreatedAt.Local().Format(time.DateOnly))
	}
	fmt.Println(t.String())
	return nil
}

func runAccountsSignOut(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.auth.SignOut(); err != nil {
		return err
	}
	fmt.Println("Signed out.")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func joinBackends(set startup.StorageSet) string {
	modes := set.Sorted()
	if len(modes) == 0 {
		return "none"
	}
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}

func seats(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
