// Package config handles deploy-file and supervisor-file configuration with validation
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridkeeper/internal/workercfg"

	"gopkg.in/yaml.v3"
)

// DeployConfig is the operator-side deploy file (deploy.yaml)
type DeployConfig struct {
	Project    ProjectConfig                        `yaml:"project"`
	Worker     WorkerConfig                         `yaml:"worker"`
	Targets    map[string]TargetConfig              `yaml:"targets"`
	Profiles   map[string]workercfg.ResourceProfile `yaml:"profiles"`
	Transfer   TransferConfig                       `yaml:"transfer"`
	Bootstrap  BootstrapConfig                      `yaml:"bootstrap"`
	Supervisor SupervisorConfig                     `yaml:"supervisor"`
	Timing     TimingConfig                         `yaml:"timing"`
	State      StateConfig                          `yaml:"state"`
}

// ProjectConfig selects the files that make up the artifact
type ProjectConfig struct {
	Root                string   `yaml:"root"`
	Files               []string `yaml:"files"`
	Requirements        string   `yaml:"requirements"`
	ExcludeDependencies []string `yaml:"exclude_dependencies"`
	SupervisorBinary    string   `yaml:"supervisor_binary"` // linux build of cmd/supervisor
	StagingDir          string   `yaml:"staging_dir"`
}

// WorkerConfig describes how the worker is invoked: <runtime> -m <module> <config_file>
type WorkerConfig struct {
	Name         string   `yaml:"name"`
	Runtime      string   `yaml:"runtime"`
	Module       string   `yaml:"module"`
	ConfigFile   string   `yaml:"config_file"`
	EnvFile      string   `yaml:"env_file"`
	Args         []string `yaml:"args"`
	ValidateArgs []string `yaml:"validate_args"` // optional local pre-deployment check
}

// TargetConfig is a remote host. Only credential references are stored here:
// a key file path, the name of an environment variable holding that path, or
// a passphrase expanded from the environment at load time.
type TargetConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	User                  string `yaml:"user"`
	KeyFile               string `yaml:"key_file"`
	KeyFileEnv            string `yaml:"key_file_env"`
	KeyPassphrase         Secret `yaml:"key_passphrase"`
	KnownHosts            string `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	Workdir               string `yaml:"workdir"`
	ServiceName           string `yaml:"service_name"`
	Local                 bool   `yaml:"local"` // run commands on this machine instead of over SSH
}

// TransferConfig controls artifact transfer retries
type TransferConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float32       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// BootstrapConfig controls remote environment preparation
type BootstrapConfig struct {
	Sudo            bool          `yaml:"sudo"`
	RuntimePackages []string      `yaml:"runtime_packages"`
	StepAttempts    int           `yaml:"step_attempts"`
	StepBackoff     time.Duration `yaml:"step_backoff"`
	RestartSec      int           `yaml:"restart_sec"`
}

// TimingConfig contains timeouts
type TimingConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	DeployTimeout  time.Duration `yaml:"deploy_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// StateConfig locates the local deployment state database
type StateConfig struct {
	Path string `yaml:"path"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadDeployConfig loads the deploy file with environment variable expansion,
// applies defaults and validates it. Relative project paths are resolved
// against the deploy file's directory.
func LoadDeployConfig(filename string) (*DeployConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read deploy file: %w", err)
	}

	var cfg DeployConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse deploy file: %w", err)
	}

	cfg.ApplyDefaults()
	if cfg.Project.Root == "" || !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Join(filepath.Dir(filename), cfg.Project.Root)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("deploy file validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields
func (c *DeployConfig) ApplyDefaults() {
	if c.Project.Requirements == "" {
		c.Project.Requirements = "requirements.txt"
	}
	if c.Project.StagingDir == "" {
		c.Project.StagingDir = ".gridkeeper/staging"
	}
	if c.Worker.Name == "" {
		c.Worker.Name = "gridbot"
	}
	if c.Worker.Runtime == "" {
		c.Worker.Runtime = "python3"
	}
	if c.Worker.Module == "" {
		c.Worker.Module = "bot"
	}
	if c.Worker.ConfigFile == "" {
		c.Worker.ConfigFile = "config.yaml"
	}
	if c.Worker.EnvFile == "" {
		c.Worker.EnvFile = ".env"
	}
	for name, t := range c.Targets {
		if t.Port == 0 {
			t.Port = 22
		}
		if t.User == "" {
			t.User = "root"
		}
		if t.ServiceName == "" {
			t.ServiceName = c.Worker.Name
		}
		if t.Workdir == "" {
			t.Workdir = "/opt/" + c.Worker.Name
		}
		c.Targets[name] = t
	}
	if c.Transfer.MaxAttempts == 0 {
		c.Transfer.MaxAttempts = 5
	}
	if c.Transfer.BaseDelay == 0 {
		c.Transfer.BaseDelay = 2 * time.Second
	}
	if c.Transfer.Factor == 0 {
		c.Transfer.Factor = 2
	}
	if c.Transfer.MaxDelay == 0 {
		c.Transfer.MaxDelay = time.Minute
	}
	if len(c.Bootstrap.RuntimePackages) == 0 {
		c.Bootstrap.RuntimePackages = []string{"python3", "python3-venv", "python3-pip"}
	}
	if c.Bootstrap.StepAttempts == 0 {
		c.Bootstrap.StepAttempts = 3
	}
	if c.Bootstrap.StepBackoff == 0 {
		c.Bootstrap.StepBackoff = 2 * time.Second
	}
	if c.Bootstrap.RestartSec == 0 {
		c.Bootstrap.RestartSec = 10
	}
	if c.Timing.ConnectTimeout == 0 {
		c.Timing.ConnectTimeout = 10 * time.Second
	}
	if c.Timing.CommandTimeout == 0 {
		c.Timing.CommandTimeout = 10 * time.Minute
	}
	if c.Timing.DeployTimeout == 0 {
		c.Timing.DeployTimeout = 30 * time.Minute
	}
	if c.Timing.LockTTL == 0 {
		c.Timing.LockTTL = time.Hour
	}
	if c.State.Path == "" {
		c.State.Path = ".gridkeeper/state.db"
	}
	c.Supervisor.ApplyDefaults()
}

// Validate performs comprehensive validation of the deploy file
func (c *DeployConfig) Validate() error {
	var errors []string

	if err := c.validateProject(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTargets(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateProfiles(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTransfer(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *DeployConfig) validateProject() error {
	if len(c.Project.Files) == 0 {
		return ValidationError{Field: "project.files", Message: "at least one source file is required"}
	}
	for _, f := range c.Project.Files {
		if filepath.IsAbs(f) {
			return ValidationError{Field: "project.files", Value: f, Message: "paths must be relative to project.root"}
		}
	}
	return nil
}

func (c *DeployConfig) validateTargets() error {
	for name, t := range c.Targets {
		if t.Host == "" && !t.Local {
			return ValidationError{Field: fmt.Sprintf("targets.%s.host", name), Message: "host is required"}
		}
		if !filepath.IsAbs(t.Workdir) {
			return ValidationError{Field: fmt.Sprintf("targets.%s.workdir", name), Value: t.Workdir, Message: "must be an absolute path"}
		}
		if strings.ContainsAny(t.ServiceName, " /\t") {
			return ValidationError{Field: fmt.Sprintf("targets.%s.service_name", name), Value: t.ServiceName, Message: "must be a plain unit name"}
		}
	}
	return nil
}

func (c *DeployConfig) validateProfiles() error {
	for name, p := range c.Profiles {
		if p.Name == "" {
			p.Name = name
		}
		if err := p.Validate(); err != nil {
			return ValidationError{Field: fmt.Sprintf("profiles.%s", name), Message: err.Error()}
		}
	}
	return nil
}

func (c *DeployConfig) validateTransfer() error {
	if c.Transfer.MaxAttempts < 1 || c.Transfer.MaxAttempts > 20 {
		return ValidationError{Field: "transfer.max_attempts", Value: c.Transfer.MaxAttempts, Message: "must be between 1 and 20"}
	}
	if c.Transfer.Factor < 1 {
		return ValidationError{Field: "transfer.factor", Value: c.Transfer.Factor, Message: "must be >= 1"}
	}
	return nil
}

// ResolveTarget returns the named target, or builds one from a raw
// "[user@]host[:port]" string using the defaults of the deploy file.
func (c *DeployConfig) ResolveTarget(ref string) (string, TargetConfig, error) {
	if t, ok := c.Targets[ref]; ok {
		return ref, t, nil
	}
	if ref == "" {
		return "", TargetConfig{}, fmt.Errorf("target is required")
	}

	t := TargetConfig{User: "root", Port: 22, ServiceName: c.Worker.Name, Workdir: "/opt/" + c.Worker.Name}
	host := ref
	if at := strings.LastIndex(host, "@"); at >= 0 {
		t.User = host[:at]
		host = host[at+1:]
	}
	if colon := strings.LastIndex(host, ":"); colon >= 0 && !strings.Contains(host[colon+1:], "]") {
		var port int
		if _, err := fmt.Sscanf(host[colon+1:], "%d", &port); err != nil || port <= 0 {
			return "", TargetConfig{}, fmt.Errorf("invalid port in target %q", ref)
		}
		t.Port = port
		host = host[:colon]
	}
	if host == "" {
		return "", TargetConfig{}, fmt.Errorf("invalid target %q", ref)
	}
	t.Host = host
	if len(c.Targets) == 1 {
		for _, only := range c.Targets {
			t.KeyFile, t.KeyFileEnv, t.KnownHosts = only.KeyFile, only.KeyFileEnv, only.KnownHosts
		}
	}
	return host, t, nil
}

// String returns a YAML rendering with secrets redacted
func (c *DeployConfig) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
