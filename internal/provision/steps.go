package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"gridkeeper/internal/remote"
)

// Host is what every remote step needs to know about the target
type Host struct {
	Runner  remote.Runner
	Sudo    bool
	Workdir string
}

func (h Host) venv() string { return path.Join(h.Workdir, ".venv") }

// check runs a read-only probe; exit status 0 means satisfied
func (h Host) check(ctx context.Context, line string) (bool, error) {
	res, err := h.Runner.Run(ctx, remote.Command{Line: line})
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func (h Host) exec(ctx context.Context, line string) error {
	_, err := remote.Exec(ctx, h.Runner, line)
	return err
}

// RuntimeStep ensures the base runtime and its package-manager packages are installed
type RuntimeStep struct {
	Host
	Packages []string
}

func (s *RuntimeStep) Name() string            { return "runtime" }
func (s *RuntimeStep) DependsOnArtifact() bool { return false }

func (s *RuntimeStep) Satisfied(ctx context.Context) (bool, error) {
	return s.check(ctx, "dpkg -s "+quoteAll(s.Packages)+" >/dev/null 2>&1")
}

func (s *RuntimeStep) Apply(ctx context.Context) error {
	line := "export DEBIAN_FRONTEND=noninteractive && apt-get update -q && apt-get install -y -q " + quoteAll(s.Packages)
	return s.exec(ctx, remote.Sudo(s.Sudo, line))
}

// EnvironmentStep ensures the isolated virtual environment and the runtime
// directories (logs, state, backups) exist below the working directory.
type EnvironmentStep struct {
	Host
	Runtime string // interpreter used to create the environment, e.g. python3
}

func (s *EnvironmentStep) Name() string            { return "environment" }
func (s *EnvironmentStep) DependsOnArtifact() bool { return false }

func (s *EnvironmentStep) dirs() []string {
	return []string{
		path.Join(s.Workdir, "logs"),
		path.Join(s.Workdir, "state"),
		path.Join(s.Workdir, "backups"),
	}
}

func (s *EnvironmentStep) Satisfied(ctx context.Context) (bool, error) {
	py := remote.Quote(path.Join(s.venv(), "bin", "python"))
	var dirTests []string
	for _, d := range s.dirs() {
		dirTests = append(dirTests, "test -d "+remote.Quote(d))
	}
	return s.check(ctx, fmt.Sprintf("test -x %s && %s -c 'import sys' && %s", py, py, strings.Join(dirTests, " && ")))
}

func (s *EnvironmentStep) Apply(ctx context.Context) error {
	runtime := s.Runtime
	if runtime == "" {
		runtime = "python3"
	}
	return s.exec(ctx, fmt.Sprintf("mkdir -p %s && %s -m venv %s",
		quoteAll(s.dirs()), remote.Quote(runtime), remote.Quote(s.venv())))
}

// DependenciesStep installs the artifact's dependency manifest into the
// environment. A stamp file holding the manifest checksum marks completion.
type DependenciesStep struct {
	Host
	Requirements []byte
}

const requirementsStamp = ".requirements.sha256"

func (s *DependenciesStep) Name() string            { return "dependencies" }
func (s *DependenciesStep) DependsOnArtifact() bool { return true }

func (s *DependenciesStep) checksum() string {
	sum := sha256.Sum256(s.Requirements)
	return hex.EncodeToString(sum[:])
}

func (s *DependenciesStep) Satisfied(ctx context.Context) (bool, error) {
	stamp := remote.Quote(path.Join(s.venv(), requirementsStamp))
	return s.check(ctx, fmt.Sprintf("test \"$(cat %s 2>/dev/null)\" = %s", stamp, s.checksum()))
}

func (s *DependenciesStep) Apply(ctx context.Context) error {
	pip := remote.Quote(path.Join(s.venv(), "bin", "pip"))
	reqs := remote.Quote(path.Join(s.Workdir, "requirements.txt"))
	stamp := remote.Quote(path.Join(s.venv(), requirementsStamp))
	return s.exec(ctx, fmt.Sprintf("%s install -q --upgrade pip && %s install -q --no-cache-dir -r %s && printf '%%s\\n' %s > %s",
		pip, pip, reqs, s.checksum(), stamp))
}

// ServiceStep installs and enables the service unit
type ServiceStep struct {
	Host
	Service string
	Unit    []byte
}

func (s *ServiceStep) Name() string            { return "service" }
func (s *ServiceStep) DependsOnArtifact() bool { return true }

func (s *ServiceStep) unitPath() string {
	return path.Join("/etc/systemd/system", s.Service+".service")
}

func (s *ServiceStep) Satisfied(ctx context.Context) (bool, error) {
	sum := sha256.Sum256(s.Unit)
	line := fmt.Sprintf("test \"$(sha256sum %s 2>/dev/null | cut -d' ' -f1)\" = %s && systemctl is-enabled --quiet %s",
		remote.Quote(s.unitPath()), hex.EncodeToString(sum[:]), remote.Quote(s.Service))
	return s.check(ctx, line)
}

func (s *ServiceStep) Apply(ctx context.Context) error {
	unit := remote.Quote(s.unitPath())
	tmp := remote.Quote(s.unitPath() + ".gk-tmp")
	line := fmt.Sprintf("cat > %s && chmod 0644 %s && mv -f %s %s && systemctl daemon-reload && systemctl enable --quiet %s",
		tmp, tmp, tmp, unit, remote.Quote(s.Service))
	if s.Sudo {
		line = remote.Sudo(true, line)
	}
	_, err := remote.ExecInput(ctx, s.Runner, line, s.Unit)
	return err
}

// VerifyStep confirms the service manager knows the unit
type VerifyStep struct {
	Host
	Service string
}

func (s *VerifyStep) Name() string            { return "verify" }
func (s *VerifyStep) DependsOnArtifact() bool { return false }

func (s *VerifyStep) Satisfied(ctx context.Context) (bool, error) {
	res, err := s.Runner.Run(ctx, remote.Command{Line: "systemctl show -p LoadState --value " + remote.Quote(s.Service)})
	if err != nil {
		return false, err
	}
	return res.OK() && strings.TrimSpace(res.Stdout) == "loaded", nil
}

func (s *VerifyStep) Apply(ctx context.Context) error {
	return s.exec(ctx, remote.Sudo(s.Sudo, "systemctl daemon-reload"))
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = remote.Quote(it)
	}
	return strings.Join(quoted, " ")
}
