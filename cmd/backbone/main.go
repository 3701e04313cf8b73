package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"backbone/internal/config"
	"backbone/internal/entitlement"
	"backbone/internal/logging"
	"backbone/internal/prefs"
	"backbone/internal/startup"
	"backbone/internal/tui"
)

var (
	// Global flags
	verbose    bool
	configPath string
	tierFlag   string
	webOnly    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "backbone",
	Short: "Backbone - choose how to work, sign in, and open a project",
	Long: `Backbone walks through the launch sequence of a project workspace:

  1. Mode selection: standalone or shared network, and where projects are stored
  2. Authentication: required for shared network and cloud storage
  3. Project selection: open a project from the chosen backend

Which storage backends are offered depends on the license tier.

Run without arguments to start the interactive launcher.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The interactive launcher owns the terminal; it logs to files only
		if cmd.Use == "backbone" && cmd.CalledAs() == "backbone" {
			logger = zap.NewNop()
			return nil
		}

		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.DisableStacktrace = true
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.CloseAll()
	},
	RunE: runInteractive,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $BACKBONE_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&tierFlag, "tier", "", "License tier override (or set BACKBONE_TIER env)")
	rootCmd.PersistentFlags().BoolVar(&webOnly, "web-only", false, "Behave as a browser deployment without local disk access")

	initStartFlags()
	initCatalogFlags()

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and initializes file logging.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if tierFlag != "" {
		cfg.License.Tier = strings.ToLower(strings.TrimSpace(tierFlag))
	}
	if webOnly {
		cfg.License.WebOnly = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.LogsDir(), cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logging.InitAudit(); err != nil {
		logger.Warn("audit trail disabled", zap.Error(err))
	}
	logging.Boot("config %s: tier=%s web_only=%v data_dir=%s", path, cfg.License.Tier, cfg.License.WebOnly, cfg.Storage.DataDir)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runInteractive starts the terminal launcher.
func runInteractive(cmd *cobra.Command, args []string) error {
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

	w, err := entitlement.NewWatcher(a.tiers, func() { a.flow.EntitlementsChanged(ctx) })
	if err == nil {
		err = w.Start(ctx)
		defer w.Stop()
	}
	if err != nil {
		logging.EntitlementWarn("tier table changes will not be picked up: %v", err)
	}

	if err := a.flow.Prepare(ctx); err != nil {
		return err
	}

	var remembered prefs.Selection
	if cfg.UI.RememberSelection {
		remembered, _ = a.prefs.LastSelection()
	}

	final, err := tui.Run(ctx, a.flow, tui.Options{UI: cfg.UI, Remembered: remembered}, tea.WithAltScreen())
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("launcher failed: %w", err)
	}
	if final.Step != startup.StepComplete {
		fmt.Println("Launch cancelled.")
		return nil
	}
	return a.printOpened(ctx, final)
}
