// Package config loads the bridge's YAML configuration.
//
// The file is taken from the --config flag or NATIVEBRIDGE_CONFIG. Without either, nativebridge.yaml is searched
// for in the working directory and its parents. If none is found the defaults are used as is.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/nativebridge/internal/files"
	"github.com/guseggert/nativebridge/rpc"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "nativebridge.yaml"
	// EnvSecret overrides endpoint.secret, so the secret need not be stored in the file.
	EnvSecret = "NATIVEBRIDGE_SECRET"
)

type Config struct {
	// ListenAddr is where `nativebridge serve` listens.
	ListenAddr string `yaml:"listen_addr"`
	// MarkerPath is the failure marker file. Defaults to status.DefaultPath().
	MarkerPath    string        `yaml:"marker_path"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// WorkerCommand starts a worker. Defaults to this executable with the "worker" subcommand.
	WorkerCommand []string `yaml:"worker_command"`

	Endpoint EndpointConfig `yaml:"endpoint"`
	Report   ReportConfig   `yaml:"report"`
}

type EndpointConfig struct {
	// ImageName is the executable name of the endpoint's processes, matched case-insensitively.
	ImageName       string `yaml:"image_name"`
	ProgID          string `yaml:"prog_id"`
	Mode            string `yaml:"mode"`
	Flags           string `yaml:"flags"`
	TerminateMethod string `yaml:"terminate_method"`
	TerminateArgs   []any  `yaml:"terminate_args"`

	Resource  string `yaml:"resource"`
	Principal string `yaml:"principal"`
	Secret    string `yaml:"secret"`
}

// ReportConfig configures the report form that GET /retrieve-xml opens.
type ReportConfig struct {
	// SavePath is where the report form writes its output.
	SavePath string `yaml:"save_path"`
	// ModulePath is the external processing module that implements the form.
	ModulePath string `yaml:"module_path"`
}

func Default() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8787",
		InitTimeout:   30 * time.Second,
		ShutdownGrace: 5 * time.Second,
		Endpoint: EndpointConfig{
			ImageName:       "1cv7.exe",
			ProgID:          "V77.Application",
			Mode:            "RMTrade",
			Flags:           "NO_SPLASH_SHOW",
			TerminateMethod: "ЗавершитьРаботуСистемы",
			TerminateArgs:   []any{1},
		},
	}
}

// Load reads the config at path on top of the defaults. An empty path means search for FileName.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = files.FindUp(FileName, wd)
		if err != nil {
			return nil, fmt.Errorf("searching for %s: %w", FileName, err)
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		err = yaml.Unmarshal(b, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if secret, ok := os.LookupEnv(EnvSecret); ok {
		cfg.Endpoint.Secret = secret
	}
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint.ImageName == "" {
		errs = append(errs, errors.New("endpoint.image_name is required"))
	}
	if c.Endpoint.ProgID == "" {
		errs = append(errs, errors.New("endpoint.prog_id is required"))
	}
	if c.InitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("init_timeout must be positive, got %s", c.InitTimeout))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("shutdown_grace must not be negative, got %s", c.ShutdownGrace))
	}
	return errors.Join(errs...)
}

// Binding returns the options the worker uses to create and initialize the native object.
func (c *Config) Binding() rpc.BindingOptions {
	return rpc.BindingOptions{
		ProgID:          c.Endpoint.ProgID,
		Mode:            c.Endpoint.Mode,
		Flags:           c.Endpoint.Flags,
		TerminateMethod: c.Endpoint.TerminateMethod,
		TerminateArgs:   c.Endpoint.TerminateArgs,
	}
}
