package config

// UIConfig holds terminal interface configuration.
type UIConfig struct {
	// Theme selects the glamour style for step help: dark, light, notty or auto
	Theme string `json:"theme" yaml:"theme"`

	// Guidance controls how much help text each step shows
	Guidance GuidanceLevel `json:"guidance" yaml:"guidance"`

	// RememberSelection pre-selects the last mode, storage and project
	RememberSelection bool `json:"remember_selection" yaml:"remember_selection"`
}

// GuidanceLevel controls how much help/guidance is shown.
type GuidanceLevel string

const (
	GuidanceVerbose GuidanceLevel = "verbose" // Full help panel on every step
	GuidanceNormal  GuidanceLevel = "normal"  // One-line hints
	GuidanceNone    GuidanceLevel = "none"    // No guidance
)

// DefaultUIConfig returns sensible UI defaults.
func DefaultUIConfig() *UIConfig {
	return &UIConfig{
		Theme:             "auto",
		Guidance:          GuidanceNormal,
		RememberSelection: true,
	}
}

// ShowsHelp reports whether the step help panel is rendered.
func (c UIConfig) ShowsHelp() bool {
	return c.Guidance == GuidanceVerbose
}

// ShowsHints reports whether one-line hints are rendered.
func (c UIConfig) ShowsHints() bool {
	return c.Guidance != GuidanceNone
}
