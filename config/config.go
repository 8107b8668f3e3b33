// Package config loads the YAML configuration shared by the CLI and the
// HTTP server.
package config

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"idset/idset"
	"idset/logger"
)

type Config struct {
	Server  Server        `yaml:"server"`
	Storage Storage       `yaml:"storage"`
	Logger  logger.Config `yaml:"logger"`
}

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage controls where databases live and how their sets are opened.
type Storage struct {
	Root            string `yaml:"root"`
	QueueCapacity   int    `yaml:"queue_capacity"`
	MaxBatch        int    `yaml:"max_batch"`
	CheckpointBytes int64  `yaml:"checkpoint_bytes"`
	NoSync          bool   `yaml:"no_sync"`
	VerifyOnOpen    bool   `yaml:"verify_on_open"`
}

func Default() Config {
	opts := idset.DefaultOptions()
	return Config{
		Server: Server{Host: "127.0.0.1", Port: 3000},
		Storage: Storage{
			Root:            "./files",
			QueueCapacity:   opts.QueueCapacity,
			MaxBatch:        opts.MaxBatch,
			CheckpointBytes: opts.CheckpointBytes,
		},
		Logger: logger.Config{
			LogLevel:   "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	if cfg.Storage.Root == "" {
		return cfg, errors.New("storage.root must not be empty")
	}
	return cfg, nil
}

// Options converts the storage block into options for idset.Open.
func (s Storage) Options(log *zap.Logger) idset.Options {
	return idset.Options{
		QueueCapacity:   s.QueueCapacity,
		MaxBatch:        s.MaxBatch,
		CheckpointBytes: s.CheckpointBytes,
		NoSync:          s.NoSync,
		VerifyOnOpen:    s.VerifyOnOpen,
		Logger:          log,
	}
}
