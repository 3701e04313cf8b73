package main

import (
	"context"
	"fmt"
	"os"

	"backbone/internal/auth"
	"backbone/internal/bootstrap"
	"backbone/internal/config"
	"backbone/internal/entitlement"
	"backbone/internal/logging"
	"backbone/internal/prefs"
	"backbone/internal/project"
	"backbone/internal/startup"
)

// app holds the collaborators of one launch.
type app struct {
	cfg      *config.Config
	tiers    *entitlement.Table
	accounts *auth.AccountStore
	auth     *auth.TokenAuthenticator
	projects *project.Store
	prefs    *prefs.Manager
	machine  *startup.Machine
	flow     *bootstrap.Flow
}

// openApp opens the stores under the data directory and wires the bootstrap flow.
func openApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	tiers, err := entitlement.LoadTable(cfg.EntitlementsPath())
	if err != nil {
		return nil, err
	}

	accounts, err := auth.NewAccountStore(cfg.AccountsPath())
	if err != nil {
		return nil, err
	}

	key := []byte(cfg.Auth.SigningKey)
	if len(key) == 0 {
		if key, err = auth.LoadOrCreateKey(cfg.ResolvePath("signing.key")); err != nil {
			return nil, err
		}
	}
	authn, err := auth.NewTokenAuthenticator(accounts, key, cfg.SessionPath(),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTTL(cfg.GetTokenTTL()),
	)
	if err != nil {
		return nil, err
	}

	store, err := project.NewStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	pm := prefs.NewManager(cfg.PreferencesPath())
	if err := pm.Load(); err != nil {
		logging.PrefsWarn("starting without remembered choices: %v", err)
	}

	machine := startup.New(startup.WithLogger(logging.Attach(logging.CategoryStartup, logger)))
	flow, err := bootstrap.New(machine, bootstrap.Options{
		Resolver: tiers,
		Auth:     authn,
		Projects: store,
		Prefs:    pm,
		License:  cfg.License,
		Timeouts: bootstrap.TimeoutsFromConfig(cfg),
		Logger:   logging.Attach(logging.CategoryBoot, logger),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		tiers:    tiers,
		accounts: accounts,
		auth:     authn,
		projects: store,
		prefs:    pm,
		machine:  machine,
		flow:     flow,
	}, nil
}

func (a *app) Close() {
	a.flow.Close()
	if err := a.projects.Close(); err != nil {
		logging.ProjectError("close catalog: %v", err)
	}
}

// printOpened reports the project a completed launch opened.
func (a *app) printOpened(ctx context.Context, s startup.StartupState) error {
	d, err := a.projects.LoadProject(ctx, s.ProjectID)
	if err != nil {
		return err
	}
	fmt.Printf("Opened %s (%s) on %s/%s\n", d.Name, d.ID, s.Mode, s.Storage)
	if s.User != nil {
		fmt.Printf("Signed in as %s <%s>\n", s.User.DisplayName, s.User.Email)
	}
	return nil
}
