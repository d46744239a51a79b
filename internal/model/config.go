package model

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	EnvPrefix = "AUTOTEST"
)

// DefaultYAML is the configuration used when no file exists. It is also
// written to the user config dir on first start.
const DefaultYAML = `runner:
  concurrency: 2
  timeout: 2m
  kill_grace: 5s
  command: ""
  args: []
  python_cmd: python
dirs:
  logs: logs
  reports: reports
logs:
  retention: 0s
  prune_schedule: "@hourly"
http:
  address: ":4000"
  heartbeat: 15s
executors:
  robot:
    command: ${python_cmd}
    args: [scripts/run_robot.py, --suite-dir, "${suite_dir}", --output-dir, "${reports_dir}", --run-id, "${id}"]
    params:
      suite_dir: smoke/robot
  qtest:
    command: ${python_cmd}
    args: [scripts/run_qtest.py, --bin, "${bin}", --output-dir, "${reports_dir}", --run-id, "${id}"]
publish:
  stdout: false
  dir: ""
  webhook: ""
service:
  verbose: false
  log: stderr
`

type Config struct {
	Runner    Runner              `mapstructure:"runner"`
	Dirs      Dirs                `mapstructure:"dirs"`
	Logs      Logs                `mapstructure:"logs"`
	HTTP      HTTP                `mapstructure:"http"`
	Executors map[string]Executor `mapstructure:"executors"`
	Publish   Publish             `mapstructure:"publish"`
	Service   Service             `mapstructure:"service"`
}

// Runner holds the process-wide run defaults.
type Runner struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	KillGrace   time.Duration `mapstructure:"kill_grace"` // SIGTERM -> SIGKILL delay
	Command     string        `mapstructure:"command"`    // empty: runs are skipped
	Args        []string      `mapstructure:"args"`
	PythonCmd   string        `mapstructure:"python_cmd"`
}

type Dirs struct {
	Logs    string `mapstructure:"logs"`
	Reports string `mapstructure:"reports"`
}

type Logs struct {
	Retention     time.Duration `mapstructure:"retention"` // 0 keeps artifacts forever
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

type HTTP struct {
	Address   string        `mapstructure:"address"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// Executor is a symbolic run type (robot, qtest, ...). Command and Args
// are expanded with ${name} placeholders.
type Executor struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Params  map[string]string `mapstructure:"params"`
}

type Publish struct {
	Stdout  bool   `mapstructure:"stdout"`
	Dir     string `mapstructure:"dir"`
	Webhook string `mapstructure:"webhook"`
	Minio   *Minio `mapstructure:"minio"`
}

type Minio struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	Secure    *bool  `mapstructure:"secure"`
}

type Service struct {
	Verbose bool   `mapstructure:"verbose"`
	Log     string `mapstructure:"log"` // "stderr"|"stdout"|"discard"|path
}

// Loaded is a decoded configuration together with the raw viper settings,
// so the effective configuration can be printed back.
type Loaded struct {
	Config   Config
	Path     string // empty when only defaults and environment were used
	Settings map[string]any
}

// LoadConfig merges DefaultYAML, the file at path (if not empty) and the
// environment. Environment variables use the AUTOTEST_ prefix with "_" as
// the key separator; RUNNER_CONCURRENCY, RUNNER_TIMEOUT_MS, RUNNER_CMD,
// PYTHON_CMD and PORT are honoured as well.
func LoadConfig(path string) (*Loaded, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(DefaultYAML)); err != nil {
		return nil, fmt.Errorf("reading default config: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loaded{
		Config:   cfg,
		Path:     path,
		Settings: v.AllSettings(),
	}, nil
}

func bindLegacyEnv(v *viper.Viper) error {
	binds := []struct {
		key string
		env string
	}{
		{"runner.concurrency", "RUNNER_CONCURRENCY"},
		{"runner.command", "RUNNER_CMD"},
		{"runner.python_cmd", "PYTHON_CMD"},
	}
	for _, b := range binds {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(b.key, ".", "_"))
		if err := v.BindEnv(b.key, envKey, b.env); err != nil {
			return fmt.Errorf("binding %s: %w", b.env, err)
		}
	}

	if ms, ok := os.LookupEnv("RUNNER_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(ms)
		if err != nil {
			return fmt.Errorf("parsing RUNNER_TIMEOUT_MS: %w", err)
		}
		v.Set("runner.timeout", (time.Duration(n) * time.Millisecond).String())
	}
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		v.Set("http.address", ":"+port)
	}
	return nil
}

// Validate returns all problems found in the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Runner.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("runner.concurrency must be at least 1, got %d", c.Runner.Concurrency))
	}
	if c.Runner.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("runner.timeout must be positive, got %s", c.Runner.Timeout))
	}
	if c.Runner.KillGrace < 0 {
		errs = append(errs, fmt.Errorf("runner.kill_grace must not be negative, got %s", c.Runner.KillGrace))
	}
	if c.Dirs.Logs == "" {
		errs = append(errs, errors.New("dirs.logs is empty"))
	}
	if c.Dirs.Reports == "" {
		errs = append(errs, errors.New("dirs.reports is empty"))
	}
	if c.Logs.Retention < 0 {
		errs = append(errs, fmt.Errorf("logs.retention must not be negative, got %s", c.Logs.Retention))
	}
	for name, e := range c.Executors {
		if e.Command == "" {
			errs = append(errs, fmt.Errorf("executors.%s.command is empty", name))
		}
	}
	if m := c.Publish.Minio; m != nil {
		if m.Endpoint == "" || m.Bucket == "" {
			errs = append(errs, errors.New("publish.minio needs endpoint and bucket"))
		}
	}
	return errors.Join(errs...)
}
