package prefs

import (
	"encoding/json"

	"backbone/internal/startup"
)

// MigrationResult describes a schema migration applied on load.
type MigrationResult struct {
	WasMigrated bool
	FromVersion string
	ToVersion   string
	// Dropped lists remembered values that could not be carried over.
	Dropped []string
}

// legacyPreferences is the version 1 layout, which stored the selection at the top level.
type legacyPreferences struct {
	Version string `json:"version"`
	Mode    string `json:"mode"`
	Storage string `json:"storage"`
	Project string `json:"project"`
	Count   int    `json:"sessions_count"`
}

func migrate(data []byte) (*Preferences, MigrationResult, error) {
	res := MigrationResult{ToVersion: Version}

	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, res, err
	}
	res.FromVersion = probe.Version

	if probe.Version == Version {
		var p Preferences
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, res, err
		}
		return &p, res, nil
	}

	var old legacyPreferences
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, res, err
	}
	res.WasMigrated = true

	p := Default()
	p.LaunchCount = old.Count
	if mode, err := startup.ParseMode(old.Mode); err == nil {
		p.Last.Mode = mode
	} else {
		res.Dropped = append(res.Dropped, "mode")
	}
	if storage, err := startup.ParseStorageMode(old.Storage); err == nil {
		p.Last.Storage = storage
	} else {
		res.Dropped = append(res.Dropped, "storage")
	}
	if len(res.Dropped) == 0 {
		p.Last.ProjectID = old.Project
	} else if old.Project != "" {
		res.Dropped = append(res.Dropped, "project")
	}
	return p, res, nil
}
