package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Environment holds process-level overrides read from GRIDKEEPER_* variables
type Environment struct {
	LogLevel  string `env:"GRIDKEEPER_LOG_LEVEL" envDefault:"INFO"`
	StatePath string `env:"GRIDKEEPER_STATE_PATH"`
	TraceFile string `env:"GRIDKEEPER_TRACE_FILE"`
	PoolSize  int    `env:"GRIDKEEPER_DEPLOY_WORKERS" envDefault:"2"`
}

// LoadEnvironment loads optional dotenv files (missing files are ignored)
// and parses the GRIDKEEPER_* variables. Variables already set in the
// process environment win over dotenv values.
func LoadEnvironment(dotenvFiles ...string) (Environment, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Environment{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var e Environment
	if err := env.Parse(&e); err != nil {
		return Environment{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// ReadEnvFile parses a dotenv file into a map without touching the process environment
func ReadEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}
