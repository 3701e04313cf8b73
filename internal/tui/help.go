package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"

	"backbone/internal/startup"
)

var stepHelp = map[startup.Step]string{
	startup.StepModeSelection: `## Choose how to work

- **Standalone / local** keeps everything on this machine. No account needed.
- **Shared network / cloud** stores projects on the server so others can join.
- **Shared network / hybrid** keeps a local copy that syncs with the server.

Backends your license tier does not include are marked; picking one shows why.`,

	startup.StepAuthentication: `## Sign in

Shared projects need an account. Use the email and password from
` + "`backbone accounts add`" + `. A saved session is reused automatically.

Press **esc** to go back and pick a different mode.`,

	startup.StepProjectSelection: `## Open a project

Projects on the selected backend, most recently opened first.
Press **esc** to start over.`,

	startup.StepComplete: `## Ready`,
}

var stepHints = map[startup.Step]string{
	startup.StepModeSelection:    "↑/↓ choose • enter select • ctrl+c quit",
	startup.StepAuthentication:   "tab switch field • enter sign in • esc back",
	startup.StepProjectSelection: "↑/↓ choose • / filter • enter open • esc start over",
	startup.StepComplete:         "",
}

// helpRenderer renders step help markdown. A nil renderer falls back to plain text.
type helpRenderer struct {
	r *glamour.TermRenderer
}

func newHelpRenderer(theme string, width int) helpRenderer {
	if width <= 0 {
		width = 80
	}
	var opts []glamour.TermRendererOption
	switch strings.ToLower(theme) {
	case "dark", "light", "notty":
		opts = append(opts, glamour.WithStylePath(strings.ToLower(theme)))
	default:
		opts = append(opts, glamour.WithAutoStyle())
	}
	opts = append(opts, glamour.WithWordWrap(width))

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return helpRenderer{}
	}
	return helpRenderer{r: r}
}

func (h helpRenderer) render(step startup.Step) string {
	md := stepHelp[step]
	if md == "" {
		return ""
	}
	if h.r == nil {
		return md
	}
	out, err := h.r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
