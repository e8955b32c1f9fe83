// Package config loads the daemon configuration from a TOML file and
// applies defaults.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/scrivanolabs/scrivano/internal/db"
)

// Config is the top level daemon configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Executor ExecutorConfig `toml:"executor"`
	SMTP     SMTPConfig     `toml:"smtp"`
	IMAP     IMAPConfig     `toml:"imap"`
	Storage  StorageConfig  `toml:"storage"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ExecutorConfig tunes the execution and retry loops.
type ExecutorConfig struct {
	BatchSize int `toml:"batch_size"`

	// HandlerTimeout bounds a single handler execution, e.g. "30s".
	HandlerTimeout duration `toml:"handler_timeout"`

	// ExecuteInterval is the poll interval of the main execution loop.
	ExecuteInterval duration `toml:"execute_interval"`

	// RetryInterval is the poll interval of the retry sweep loop.
	RetryInterval duration `toml:"retry_interval"`

	// RetryBatchSize caps failed actions reset per sweep.
	RetryBatchSize int `toml:"retry_batch_size"`
}

// SMTPConfig configures outbound mail submission.
type SMTPConfig struct {
	Host        string `toml:"host"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	From        string `toml:"from"`
	UseTLS      bool   `toml:"use_tls"`
	UseStartTLS bool   `toml:"use_starttls"`
	TLSVerify   bool   `toml:"tls_verify"`
}

// IMAPConfig configures the draft mailbox.
type IMAPConfig struct {
	Host      string `toml:"host"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Mailbox   string `toml:"mailbox"`
	TLSVerify bool   `toml:"tls_verify"`
}

// StorageConfig configures the S3-compatible attachment store.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the host:port the /metrics endpoint binds to. Empty
	// disables the endpoint.
	Listen string `toml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Dir is the directory for rotated log files. Empty means console
	// only.
	Dir string `toml:"dir"`

	// MaxFiles is the number of rotated log files kept on disk.
	MaxFiles int `toml:"max_files"`

	// MaxFileSizeMB is the size in megabytes at which a log file is
	// rotated.
	MaxFileSizeMB int `toml:"max_file_size_mb"`
}

// duration lets TOML carry values like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed

	return nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	dbPath, err := db.DefaultDBPath()
	if err != nil {
		// No resolvable home directory, fall back to the working
		// directory.
		dbPath = "scrivano.db"
	}

	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Executor: ExecutorConfig{
			BatchSize:       10,
			HandlerTimeout:  duration{30 * time.Second},
			ExecuteInterval: duration{15 * time.Second},
			RetryInterval:   duration{5 * time.Minute},
			RetryBatchSize:  10,
		},
		SMTP: SMTPConfig{
			UseStartTLS: true,
			TLSVerify:   true,
		},
		IMAP: IMAPConfig{
			Mailbox:   "Drafts",
			TLSVerify: true,
		},
		Metrics: MetricsConfig{
			Listen: "localhost:9464",
		},
		Logging: LoggingConfig{
			Level:         "info",
			MaxFiles:      10,
			MaxFileSizeMB: 20,
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is an
// error; pass an empty path to run on defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q",
			path, undecoded[0].String())
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if c.Executor.BatchSize <= 0 {
		return fmt.Errorf("executor.batch_size must be positive")
	}
	if c.Executor.HandlerTimeout.Duration <= 0 {
		return fmt.Errorf("executor.handler_timeout must be positive")
	}
	if c.Executor.ExecuteInterval.Duration <= 0 {
		return fmt.Errorf("executor.execute_interval must be " +
			"positive")
	}
	if c.Executor.RetryInterval.Duration <= 0 {
		return fmt.Errorf("executor.retry_interval must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, "+
			"info, warn, error", c.Logging.Level)
	}

	return nil
}
