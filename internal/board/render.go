package board

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/shinji-kodama/tbot/internal/config"
)

// TemplateData is what board command templates are rendered with.
//
//	poweron: "remote_power {{ .Name }} on"
//	connect: "picocom -b 115200 /dev/tty-{{ .Name | lower }}"
type TemplateData struct {
	// Name is the board name.
	Name  string
	Board config.BoardConfig
	Lab   config.LabConfig

	// Config is the whole merged configuration, for lookups such as
	// {{ index .Config "tftp" "boarddir" }}.
	Config map[string]any
}

// Render expands text as a template. Referencing a missing map key is an
// error so typos in a board file surface before the board is touched.
func Render(name, text string, data TemplateData) (string, error) {
	if text == "" {
		return "", nil
	}
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}
