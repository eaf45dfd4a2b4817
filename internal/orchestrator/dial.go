package orchestrator

import (
	"fmt"
	"os"

	"gridkeeper/internal/config"
	"gridkeeper/internal/core"
	"gridkeeper/internal/remote"
)

// Dial builds the remote channel for target: a local shell for local
// targets, SSH otherwise. The key file comes from key_file or, failing that,
// from the environment variable named by key_file_env.
func Dial(target config.TargetConfig, timing config.TimingConfig, logger core.ILogger) (remote.Runner, error) {
	if target.Local {
		return remote.NewLocalRunner("", timing.CommandTimeout), nil
	}

	keyFile := target.KeyFile
	if keyFile == "" && target.KeyFileEnv != "" {
		keyFile = os.Getenv(target.KeyFileEnv)
		if keyFile == "" {
			return nil, fmt.Errorf("environment variable %s is not set", target.KeyFileEnv)
		}
	}
	if keyFile == "" {
		return nil, fmt.Errorf("target %s has no key_file or key_file_env", target.Host)
	}

	return remote.NewSSHRunner(remote.SSHConfig{
		Host:                  target.Host,
		Port:                  target.Port,
		User:                  target.User,
		KeyFile:               keyFile,
		Passphrase:            target.KeyPassphrase.Reveal(),
		KnownHosts:            target.KnownHosts,
		InsecureIgnoreHostKey: target.InsecureIgnoreHostKey,
		ConnectTimeout:        timing.ConnectTimeout,
		CommandTimeout:        timing.CommandTimeout,
	}, logger)
}
