// Package config loads process configuration from the environment and
// sets up logging.
package config

import (
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Scheduler configures the scheduler process.
type Scheduler struct {
	Listen     string        `env:"CARDFORGE_LISTEN" envDefault:":8080"`
	DBPath     string        `env:"CARDFORGE_DB" envDefault:"cardforge.db"`
	JWTSecret  string        `env:"CARDFORGE_JWT_SECRET,required"`
	Retention  time.Duration `env:"CARDFORGE_RETENTION" envDefault:"240h"`
	SweepEvery time.Duration `env:"CARDFORGE_SWEEP_INTERVAL" envDefault:"1m"`
	WebhookURL string        `env:"CARDFORGE_WEBHOOK_URL"`

	Blob Blob
	Log  Logging
}

// Worker configures a worker process of any kind.
type Worker struct {
	SchedulerURL string        `env:"CARDFORGE_URL,required"`
	Username     string        `env:"CARDFORGE_USERNAME,required"`
	Password     string        `env:"CARDFORGE_PASSWORD,required"`
	Slot         string        `env:"CARDFORGE_SLOT" envDefault:"0"`
	WorkDir      string        `env:"CARDFORGE_WORKDIR" envDefault:"/var/lib/cardforge"`
	PollInterval time.Duration `env:"CARDFORGE_POLL_INTERVAL" envDefault:"1s"`
	LogInterval  time.Duration `env:"CARDFORGE_LOG_INTERVAL" envDefault:"10s"`

	// Creator settings.
	BuildCmd string `env:"CARDFORGE_BUILD_CMD" envDefault:"cardforge-build"`

	// Writer-host settings.
	ImageDir string `env:"CARDFORGE_IMAGE_DIR" envDefault:"/var/lib/cardforge/images"`
	Device   string `env:"CARDFORGE_DEVICE" envDefault:"/dev/mmcblk0"`
	WipeCmd  string `env:"CARDFORGE_WIPE_CMD" envDefault:"cardforge-wipe"`
	WriteCmd string `env:"CARDFORGE_WRITE_CMD" envDefault:"cardforge-write"`

	Blob Blob
	Log  Logging
}

// Blob configures the S3-compatible image store.
type Blob struct {
	Endpoint      string `env:"CARDFORGE_S3_ENDPOINT"`
	AccessKey     string `env:"CARDFORGE_S3_ACCESS_KEY"`
	SecretKey     string `env:"CARDFORGE_S3_SECRET_KEY"`
	Bucket        string `env:"CARDFORGE_S3_BUCKET" envDefault:"cardforge-images"`
	UseSSL        bool   `env:"CARDFORGE_S3_SSL" envDefault:"true"`
	PublicBaseURL string `env:"CARDFORGE_S3_PUBLIC_URL"`
}

// Logging configures the process log output.
type Logging struct {
	Level string `env:"CARDFORGE_LOG_LEVEL" envDefault:"info"`
	File  string `env:"CARDFORGE_LOG_FILE"`
}

// LoadScheduler reads scheduler configuration from the environment.
func LoadScheduler() (Scheduler, error) {
	var cfg Scheduler
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse scheduler config")
	}
	return cfg, nil
}

// LoadWorker reads worker configuration from the environment.
func LoadWorker() (Worker, error) {
	var cfg Worker
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse worker config")
	}
	return cfg, nil
}

// NewLogger builds the process logger. When a log file is configured it
// is rotated at 100 MiB and mirrored to stderr.
func NewLogger(cfg Logging) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}
	return log
}
