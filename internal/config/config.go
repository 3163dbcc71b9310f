// Package config assembles the service configuration from an optional TOML
// file (RENDERQ_CONFIG) overridden by environment variables.
package config

import (
	"bytes"
	"os"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"

	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

// Duration is a time.Duration written as "250ms" or "2m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	ServiceName string   `toml:"service_name"`
	HTTP        HTTP     `toml:"http"`
	Database    Database `toml:"database"`
	Redis       Redis    `toml:"redis"`
	Renderer    Renderer `toml:"renderer"`
	Project     Project  `toml:"project"`
	Storage     Storage  `toml:"storage"`
	Dispatch    Dispatch `toml:"dispatch"`
	Tracing     Tracing  `toml:"tracing"`
}

type HTTP struct {
	Port string `toml:"port"`
}

type Database struct {
	// URL is optional; render history is disabled without it.
	URL string `toml:"url"`
}

type Redis struct {
	// Addr is optional; the submission intake is disabled without it.
	Addr      string `toml:"addr"`
	QueueName string `toml:"queue_name"`
}

type Renderer struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

type Project struct {
	File  string `toml:"file"`
	Watch bool   `toml:"watch"`
}

type Storage struct {
	Provider  string `toml:"provider"`
	LocalRoot string `toml:"local_root"`
	GDrive    GDrive `toml:"gdrive"`
}

type GDrive struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	FolderID     string `toml:"folder_id"`
}

type Dispatch struct {
	QueueingEnabled         bool     `toml:"queueing_enabled"`
	RenderInSeparateProcess bool     `toml:"render_in_separate_process"`
	Workers                 int      `toml:"workers"`
	SchedulingPolicy        string   `toml:"scheduling_policy"`
	WaitInterval            Duration `toml:"wait_interval"`
	// ChildCommand is the command line template of a render child process.
	ChildCommand string   `toml:"child_command"`
	HookTimeout  Duration `toml:"hook_timeout"`
}

type Tracing struct {
	Exporter string `toml:"exporter"`
	Endpoint string `toml:"endpoint"`
}

// Default returns the configuration used when neither file nor env say
// otherwise.
func Default() Config {
	return Config{
		ServiceName: "renderq",
		HTTP:        HTTP{Port: "8080"},
		Redis:       Redis{QueueName: "renderq:submissions"},
		Renderer: Renderer{
			BaseURL: "http://localhost:9000",
			Timeout: Duration{10 * time.Minute},
		},
		Storage: Storage{Provider: "localfs", LocalRoot: "./data"},
		Dispatch: Dispatch{
			QueueingEnabled:  true,
			Workers:          runtime.NumCPU(),
			SchedulingPolicy: render.PolicyOrdered.String(),
			WaitInterval:     Duration{render.DefaultWaitInterval},
			HookTimeout:      Duration{30 * time.Second},
		},
		Tracing: Tracing{Exporter: "none"},
	}
}

// Load reads the TOML file named by RENDERQ_CONFIG, if any, and applies the
// environment on top.
func Load() (Config, error) {
	return LoadFile(Env("RENDERQ_CONFIG", ""))
}

// LoadFile is Load with an explicit file; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config.load", "cannot read config %s", path)
		}
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "invalid config file "+path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServiceName = Env("SERVICE_NAME", c.ServiceName)
	c.HTTP.Port = Env("HTTP_PORT", c.HTTP.Port)
	c.Database.URL = Env("DATABASE_URL", c.Database.URL)
	c.Redis.Addr = Env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.QueueName = Env("RENDER_QUEUE_NAME", c.Redis.QueueName)
	c.Renderer.BaseURL = Env("RENDERER_HTTP_BASEURL", c.Renderer.BaseURL)
	c.Renderer.Timeout.Duration = DurationEnv("RENDERER_TIMEOUT", c.Renderer.Timeout.Duration)
	c.Project.File = Env("PROJECT_FILE", c.Project.File)
	c.Project.Watch = BoolEnv("PROJECT_WATCH", c.Project.Watch)
	c.Storage.Provider = Env("STORAGE_PROVIDER", c.Storage.Provider)
	c.Storage.LocalRoot = Env("STORAGE_LOCAL_ROOT", c.Storage.LocalRoot)
	c.Storage.GDrive.ClientID = Env("GDRIVE_CLIENT_ID", c.Storage.GDrive.ClientID)
	c.Storage.GDrive.ClientSecret = Env("GDRIVE_CLIENT_SECRET", c.Storage.GDrive.ClientSecret)
	c.Storage.GDrive.RefreshToken = Env("GDRIVE_REFRESH_TOKEN", c.Storage.GDrive.RefreshToken)
	c.Storage.GDrive.FolderID = Env("GDRIVE_FOLDER_ID", c.Storage.GDrive.FolderID)
	c.Dispatch.QueueingEnabled = BoolEnv("QUEUEING_ENABLED", c.Dispatch.QueueingEnabled)
	c.Dispatch.RenderInSeparateProcess = BoolEnv("RENDER_IN_SEPARATE_PROCESS", c.Dispatch.RenderInSeparateProcess)
	c.Dispatch.Workers = IntEnv("RENDER_WORKERS", c.Dispatch.Workers)
	c.Dispatch.SchedulingPolicy = Env("SCHEDULING_POLICY", c.Dispatch.SchedulingPolicy)
	c.Dispatch.WaitInterval.Duration = DurationEnv("WAIT_INTERVAL", c.Dispatch.WaitInterval.Duration)
	c.Dispatch.ChildCommand = Env("CHILD_COMMAND", c.Dispatch.ChildCommand)
	c.Dispatch.HookTimeout.Duration = DurationEnv("HOOK_TIMEOUT", c.Dispatch.HookTimeout.Duration)
	c.Tracing.Exporter = Env("OTEL_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = Env("OTEL_ENDPOINT", c.Tracing.Endpoint)
}

// Validate checks values that have no usable fallback.
func (c Config) Validate() error {
	if c.Dispatch.Workers < 1 {
		return errors.ValidationField("dispatch.workers", "workers must be at least 1")
	}
	if _, ok := render.ParseSchedulingPolicy(c.Dispatch.SchedulingPolicy); !ok {
		return errors.ValidationField("dispatch.scheduling_policy", "unknown scheduling policy "+c.Dispatch.SchedulingPolicy)
	}
	if c.Dispatch.WaitInterval.Duration <= 0 {
		return errors.ValidationField("dispatch.wait_interval", "wait interval must be positive")
	}
	switch c.Storage.Provider {
	case "localfs", "gdrive":
	default:
		return errors.ValidationField("storage.provider", "unknown storage provider "+c.Storage.Provider)
	}
	return nil
}

// Policy returns the parsed scheduling policy.
func (c Config) Policy() render.SchedulingPolicy {
	p, _ := render.ParseSchedulingPolicy(c.Dispatch.SchedulingPolicy)
	return p
}

// DispatcherConfig maps the dispatch section onto render.DispatcherConfig.
func (c Config) DispatcherConfig() render.DispatcherConfig {
	return render.DispatcherConfig{
		QueueingEnabled:         c.Dispatch.QueueingEnabled,
		RenderInSeparateProcess: c.Dispatch.RenderInSeparateProcess,
		WaitInterval:            c.Dispatch.WaitInterval.Duration,
	}
}
