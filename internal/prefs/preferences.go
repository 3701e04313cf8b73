// Package prefs remembers the last startup choices so the next launch can pre-select them.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"backbone/internal/logging"
	"backbone/internal/startup"
)

// Version is the current schema version for preferences.json.
const Version = "2"

// Preferences is the on-disk schema.
type Preferences struct {
	// Version is the schema version for migration detection
	Version string `json:"version"`

	// Last is the most recent accepted selection
	Last Selection `json:"last_selection"`

	// LaunchCount counts completed bootstraps
	LaunchCount int `json:"launch_count"`

	// LastLaunch is the RFC 3339 time of the last completed bootstrap
	LastLaunch string `json:"last_launch,omitempty"`
}

// Selection is a remembered mode, storage backend and project.
type Selection struct {
	Mode      startup.Mode        `json:"mode,omitempty"`
	Storage   startup.StorageMode `json:"storage,omitempty"`
	ProjectID string              `json:"project_id,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
}

// Empty reports whether nothing has been remembered.
func (s Selection) Empty() bool {
	return s.Mode == startup.ModeUnset && s.Storage == startup.StorageUnset && s.ProjectID == ""
}

// Default returns empty preferences at the current version.
func Default() *Preferences {
	return &Preferences{Version: Version}
}

// Manager handles loading and saving preferences.
type Manager struct {
	mu    sync.RWMutex
	path  string
	prefs *Preferences
	now   func() time.Time
}

// NewManager creates a manager for the file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Path returns the preferences file path.
func (m *Manager) Path() string {
	return m.path
}

// Load reads preferences from disk, migrating older schemas. A missing file yields defaults.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.prefs = Default()
			return nil
		}
		return fmt.Errorf("failed to read preferences: %w", err)
	}

	prefs, res, err := migrate(data)
	if err != nil {
		return fmt.Errorf("failed to parse preferences: %w", err)
	}
	if res.WasMigrated {
		logging.PrefsDebug("migrated preferences from version %q to %q", res.FromVersion, res.ToVersion)
	}
	m.prefs = prefs
	return nil
}

// Save writes preferences to disk.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if m.prefs == nil {
		m.prefs = Default()
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}

	data, err := json.MarshalIndent(m.prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// Get returns a copy of the current preferences.
func (m *Manager) Get() Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.prefs == nil {
		return *Default()
	}
	return *m.prefs
}

// LastSelection returns the remembered selection, if any.
func (m *Manager) LastSelection() (Selection, bool) {
	p := m.Get()
	return p.Last, !p.Last.Empty()
}

// RememberSelection records an accepted mode and storage pair. A different pair forgets the project.
func (m *Manager) RememberSelection(mode startup.Mode, storage startup.StorageMode) error {
	return m.update(func(p *Preferences) {
		if p.Last.Mode != mode || p.Last.Storage != storage {
			p.Last.ProjectID = ""
		}
		p.Last.Mode, p.Last.Storage = mode, storage
	})
}

// RememberUser records the signed-in user id.
func (m *Manager) RememberUser(userID string) error {
	return m.update(func(p *Preferences) { p.Last.UserID = userID })
}

// RememberProject records the opened project and counts the launch.
func (m *Manager) RememberProject(projectID string) error {
	return m.update(func(p *Preferences) {
		p.Last.ProjectID = projectID
		p.LaunchCount++
		p.LastLaunch = m.now().UTC().Format(time.RFC3339)
	})
}

// Forget clears the remembered selection.
func (m *Manager) Forget() error {
	return m.update(func(p *Preferences) { p.Last = Selection{} })
}

func (m *Manager) update(fn func(*Preferences)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs == nil {
		m.prefs = Default()
	}
	fn(m.prefs)
	return m.saveLocked()
}
