package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Brownie44l1/waste-api/internal/preprocess"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ModelPath       string        `yaml:"model_path"`
	MetadataPath    string        `yaml:"metadata_path"`
	UploadDir       string        `yaml:"upload_dir"`
	ORTLibraryPath  string        `yaml:"onnxruntime_lib"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	MaxImagePixels  int           `yaml:"max_image_pixels"`
	Interpolation   string        `yaml:"interpolation"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Port:            "5000",
		ModelPath:       "models/garbage_classifier.onnx",
		MetadataPath:    "models/model_metadata.json",
		UploadDir:       "uploads",
		MaxUploadBytes:  10 << 20,
		MaxImagePixels:  preprocess.DefaultMaxPixels,
		Interpolation:   "nearest",
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load layers an optional YAML file and then the environment over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		c.ModelPath = v
	}
	if v := os.Getenv("METADATA_PATH"); v != "" {
		c.MetadataPath = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
	if v := os.Getenv("ONNXRUNTIME_LIB"); v != "" {
		c.ORTLibraryPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_BYTES %q: %w", v, err)
		}
		c.MaxUploadBytes = n
	}
	if v := os.Getenv("MAX_IMAGE_PIXELS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_IMAGE_PIXELS %q: %w", v, err)
		}
		c.MaxImagePixels = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.UploadDir == "" {
		return errors.New("upload dir is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("max image pixels must be positive, got %d", c.MaxImagePixels)
	}
	if _, err := preprocess.ParseFilter(c.Interpolation); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// ConfigureLogging applies the level and formatter to the standard logrus logger.
func (c Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
