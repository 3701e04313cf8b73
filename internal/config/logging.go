package config

// LoggingConfig controls the per-category log files under <data_dir>/logs.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	DebugMode  bool            `yaml:"debug_mode"` // no log files at all when false
	Categories map[string]bool `yaml:"categories"` // boot, startup, entitlement, auth, project, prefs, ui, performance
}

// IsCategoryEnabled reports whether category writes a log file. Categories missing
// from the map are on; nothing is on outside debug mode.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if enabled, listed := c.Categories[category]; listed {
		return enabled
	}
	return true
}

// IsJSON reports whether log files use the JSON encoder.
func (c *LoggingConfig) IsJSON() bool {
	return c.Format == "json"
}
