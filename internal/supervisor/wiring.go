package supervisor

import (
	"path/filepath"

	"gridkeeper/internal/backup"
	"gridkeeper/internal/config"
	"gridkeeper/internal/core"
	"gridkeeper/internal/logrotate"
)

// ConfigFrom maps supervisor.yaml onto a supervisor Config
func ConfigFrom(cfg *config.SupervisorConfig) Config {
	return Config{
		Name: cfg.Worker.Name,
		Identity: Identity{
			Argv:    cfg.Worker.CommandLine(),
			Workdir: cfg.Worker.Workdir,
		},
		LogFile:     cfg.Worker.LogFile,
		EnvFile:     cfg.Worker.EnvFile,
		StateDir:    cfg.StateDir,
		GracePeriod: cfg.Probe.GracePeriod,
	}
}

// ScheduleFrom maps supervisor.yaml onto the daemon schedule
func ScheduleFrom(cfg *config.SupervisorConfig) Schedule {
	return Schedule{
		ProbeInterval:     cfg.Probe.Interval,
		RotateSchedule:    cfg.Log.Schedule,
		SizeCheckInterval: cfg.Log.CheckInterval,
		BackupSchedule:    cfg.Backup.Schedule,
	}
}

// Components is everything the supervisor binary needs, built from one config
type Components struct {
	Supervisor *Supervisor
	Rotator    *logrotate.Rotator
	Backups    *backup.Manager
	Daemon     *Daemon
}

// Build wires the host implementations (process table, launcher, flock) with
// a shared file guard for rotation and backup
func Build(cfg *config.SupervisorConfig, logger core.ILogger) (*Components, error) {
	table, err := NewProcTable("")
	if err != nil {
		return nil, err
	}
	sup := New(ConfigFrom(cfg), table, NewExecLauncher(logger), NewFlockLocker(cfg.StateDir), logger)

	guard := logrotate.NewGuard(filepath.Join(cfg.StateDir, "guards"))
	rotator := logrotate.NewRotator(guard, logrotate.Options{
		MaxSizeBytes: int64(cfg.Log.MaxSizeMB) << 20,
		Retain:       cfg.Log.Retain,
	}, logger)
	backups := backup.NewManager(guard, backup.Options{
		Dir:           cfg.Backup.Dir,
		Include:       cfg.Backup.Include,
		RetentionDays: cfg.Backup.RetentionDays,
	}, logger)

	logs := []string{cfg.Worker.LogFile}
	if cfg.LogFile != "" && cfg.LogFile != cfg.Worker.LogFile {
		logs = append(logs, cfg.LogFile)
	}
	daemon := NewDaemon(sup, rotator, backups, logs, ScheduleFrom(cfg), logger)

	return &Components{Supervisor: sup, Rotator: rotator, Backups: backups, Daemon: daemon}, nil
}
