/*
config.go - Server configuration

PURPOSE:
  Reads the server settings and the credit policy overrides from the
  environment and the command line.

PRECEDENCE:
  environment > flags > defaults

ENVIRONMENT / FLAGS:
  RUN_ADDRESS                 -a   HTTP listen address (default localhost:8080)
  DATABASE_PATH               -d   SQLite path, ":memory:" allowed (default credit.db)
  LOG_LEVEL                   -l   debug | info | warn | error (default info)
  POLICY_FILE                 -p   JSON credit policy layered over the defaults
  BLOCKING_ARREARS_DAYS            days overdue that block new credit (default 90)
  ALLOW_CONFIRM_WITHOUT_PLAN       confirm personal-credit sales with no plan
*/
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/factory"
)

const (
	defaultRunAddress   = "localhost:8080"
	defaultDatabasePath = "credit.db"
	defaultLogLevel     = "info"
)

type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabasePath string `env:"DATABASE_PATH"`
	LogLevel     string `env:"LOG_LEVEL"`
	PolicyFile   string `env:"POLICY_FILE"`

	BlockingArrearsDays     int  `env:"BLOCKING_ARREARS_DAYS"`
	AllowConfirmWithoutPlan bool `env:"ALLOW_CONFIRM_WITHOUT_PLAN"`
}

// Parse reads the process environment and os.Args.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs reads the environment and the given command-line arguments.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabasePath := cfg.DatabasePath
	envLogLevel := cfg.LogLevel
	envPolicyFile := cfg.PolicyFile

	fs := flag.NewFlagSet("credit-server", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	fs.StringVar(&cfg.DatabasePath, "d", defaultDatabasePath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
	fs.StringVar(&cfg.PolicyFile, "p", "", "credit policy JSON file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabasePath != "" {
		cfg.DatabasePath = envDatabasePath
	}
	if envLogLevel != "" {
		cfg.LogLevel = envLogLevel
	}
	if envPolicyFile != "" {
		cfg.PolicyFile = envPolicyFile
	}

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.BlockingArrearsDays < 0 {
		return nil, fmt.Errorf("BLOCKING_ARREARS_DAYS must not be negative, got %d", cfg.BlockingArrearsDays)
	}

	return cfg, nil
}

// Level returns the zap level of LogLevel.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Policy returns the credit policy: the defaults, then PolicyFile if set,
// then the environment overrides.
func (c *Config) Policy() (credit.Policy, error) {
	p := credit.DefaultPolicy()
	if c.PolicyFile != "" {
		loaded, err := factory.NewPolicyFactory().LoadFile(c.PolicyFile)
		if err != nil {
			return credit.Policy{}, err
		}
		p = loaded
	}
	if c.BlockingArrearsDays > 0 {
		p.BlockingArrearsDays = c.BlockingArrearsDays
	}
	if c.AllowConfirmWithoutPlan {
		p.AllowCreditConfirmWithoutPlan = true
	}
	if err := factory.Validate(p); err != nil {
		return credit.Policy{}, err
	}
	return p, nil
}
