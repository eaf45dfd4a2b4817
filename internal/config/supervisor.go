package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// SupervisorConfig is the remote-side supervisor.yaml. The orchestrator renders
// it into the artifact; the supervisor daemon and its one-shot commands read it.
type SupervisorConfig struct {
	Worker     SupervisedWorker `yaml:"worker"`
	Probe      ProbeConfig      `yaml:"probe"`
	Log        LogConfig        `yaml:"log"`
	Backup     BackupConfig     `yaml:"backup"`
	StateDir   string           `yaml:"state_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFile    string           `yaml:"log_file"`
	ListenAddr string           `yaml:"listen_addr"`
}

// SupervisedWorker identifies the worker process: command line plus working directory
type SupervisedWorker struct {
	Name       string   `yaml:"name"`
	Runtime    string   `yaml:"runtime"`
	Module     string   `yaml:"module"`
	ConfigFile string   `yaml:"config_file"`
	Args       []string `yaml:"args,omitempty"`
	Workdir    string   `yaml:"workdir"`
	EnvFile    string   `yaml:"env_file"`
	LogFile    string   `yaml:"log_file"`
}

// CommandLine returns <runtime> -m <module> <config> [args...]
func (w SupervisedWorker) CommandLine() []string {
	argv := []string{w.Runtime, "-m", w.Module, w.ConfigFile}
	return append(argv, w.Args...)
}

// ProbeConfig controls liveness probing
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// LogConfig controls worker log rotation
type LogConfig struct {
	MaxSizeMB     int           `yaml:"max_size_mb"`
	Retain        int           `yaml:"retain"`
	Schedule      string        `yaml:"schedule"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// BackupConfig controls periodic backups
type BackupConfig struct {
	Dir           string   `yaml:"dir"`
	Schedule      string   `yaml:"schedule"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"`
}

// LoadSupervisorConfig reads supervisor.yaml, applies defaults and validates it
func LoadSupervisorConfig(filename string) (*SupervisorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read supervisor config: %w", err)
	}

	var cfg SupervisorConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse supervisor config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor config validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. Paths default to locations under the worker's workdir.
func (c *SupervisorConfig) ApplyDefaults() {
	if c.Worker.Name == "" {
		c.Worker.Name = "gridbot"
	}
	if c.Worker.Module == "" {
		c.Worker.Module = "bot"
	}
	if c.Worker.ConfigFile == "" {
		c.Worker.ConfigFile = "config.yaml"
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = 5 * time.Minute
	}
	if c.Probe.GracePeriod == 0 {
		c.Probe.GracePeriod = 10 * time.Second
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.Retain == 0 {
		c.Log.Retain = 5
	}
	if c.Log.Schedule == "" {
		c.Log.Schedule = "@daily"
	}
	if c.Log.CheckInterval == 0 {
		c.Log.CheckInterval = time.Minute
	}
	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "@daily"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:9108"
	}

	wd := c.Worker.Workdir
	if wd == "" {
		return
	}
	if c.Worker.Runtime == "" {
		c.Worker.Runtime = filepath.Join(wd, ".venv", "bin", "python")
	}
	if c.Worker.LogFile == "" {
		c.Worker.LogFile = filepath.Join(wd, "logs", c.Worker.Name+".log")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(wd, "state")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(wd, "logs", "supervisor.log")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(wd, "backups")
	}
	if len(c.Backup.Include) == 0 {
		c.Backup.Include = []string{
			filepath.Join(wd, c.Worker.ConfigFile),
			filepath.Join(wd, "logs"),
		}
	}
}

// Validate checks the supervisor configuration
func (c *SupervisorConfig) Validate() error {
	var errors []string

	if c.Worker.Workdir == "" || !filepath.IsAbs(c.Worker.Workdir) {
		errors = append(errors, ValidationError{Field: "worker.workdir", Value: c.Worker.Workdir, Message: "must be an absolute path"}.Error())
	}
	if c.Worker.Runtime == "" {
		errors = append(errors, ValidationError{Field: "worker.runtime", Message: "runtime is required"}.Error())
	}
	if c.Probe.Interval < time.Second {
		errors = append(errors, ValidationError{Field: "probe.interval", Value: c.Probe.Interval, Message: "must be at least 1s"}.Error())
	}
	if c.Log.Retain < 1 || c.Log.Retain > 30 {
		errors = append(errors, ValidationError{Field: "log.retain", Value: c.Log.Retain, Message: "must be between 1 and 30"}.Error())
	}
	if _, err := cron.ParseStandard(c.Log.Schedule); err != nil {
		errors = append(errors, ValidationError{Field: "log.schedule", Value: c.Log.Schedule, Message: err.Error()}.Error())
	}
	if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
		errors = append(errors, ValidationError{Field: "backup.schedule", Value: c.Backup.Schedule, Message: err.Error()}.Error())
	}
	if c.Backup.RetentionDays < 1 {
		errors = append(errors, ValidationError{Field: "backup.retention_days", Value: c.Backup.RetentionDays, Message: "must be at least 1"}.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// ForTarget returns a copy of the template rooted at workdir
func (c SupervisorConfig) ForTarget(workdir string, w WorkerConfig) SupervisorConfig {
	out := c
	out.Worker = SupervisedWorker{
		Name:       w.Name,
		Module:     w.Module,
		ConfigFile: w.ConfigFile,
		Args:       append([]string(nil), w.Args...),
		Workdir:    workdir,
		EnvFile:    filepath.Join(workdir, w.EnvFile),
	}
	out.Backup.Include = append([]string(nil), c.Backup.Include...)
	out.Worker.Runtime, out.Worker.LogFile = "", ""
	out.StateDir, out.LogFile, out.Backup.Dir = "", "", ""
	if c.Backup.Dir != "" && filepath.IsAbs(c.Backup.Dir) {
		out.Backup.Dir = c.Backup.Dir
	}
	out.ApplyDefaults()
	return out
}

// Marshal renders the configuration as YAML
func (c SupervisorConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
