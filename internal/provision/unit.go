package provision

import (
	"bytes"
	"fmt"
	"path"
	"text/template"
)

// UnitSpec holds the values rendered into the service unit
type UnitSpec struct {
	Description string
	Workdir     string
	EnvFile     string
	RestartSec  int
	MemoryMB    int
	CPUPct      int
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.Workdir}}
Environment=PATH={{.Workdir}}/.venv/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
ExecStart={{.Workdir}}/bin/supervisor run --config {{.Workdir}}/supervisor.yaml
Restart=always
RestartSec={{.RestartSec}}
KillMode=process
{{- if gt .MemoryMB 0}}
MemoryMax={{.MemoryMB}}M
{{- end}}
{{- if gt .CPUPct 0}}
CPUQuota={{.CPUPct}}%
{{- end}}
StandardOutput=append:{{.Workdir}}/logs/supervisor.log
StandardError=append:{{.Workdir}}/logs/supervisor.log

[Install]
WantedBy=multi-user.target
`))

// RenderUnit renders the systemd unit that runs the supervisor daemon
func RenderUnit(spec UnitSpec) ([]byte, error) {
	if !path.IsAbs(spec.Workdir) {
		return nil, fmt.Errorf("unit working directory must be absolute: %q", spec.Workdir)
	}
	if spec.RestartSec <= 0 {
		spec.RestartSec = 10
	}
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, spec); err != nil {
		return nil, fmt.Errorf("failed to render unit: %w", err)
	}
	return buf.Bytes(), nil
}
