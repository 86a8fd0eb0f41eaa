package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/distribution/reference"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("bot.name", cfg.Bot.Name)
	v.SetDefault("bot.context_dir", cfg.Bot.ContextDir)
	v.SetDefault("bot.env_file", cfg.Bot.EnvFile)
	v.SetDefault("bot.log_dir", cfg.Bot.LogDir)
	v.SetDefault("bot.products_file", cfg.Bot.ProductsFile)
	v.SetDefault("bot.shm_size_mb", cfg.Bot.ShmSizeMB)
	v.SetDefault("bot.memory_limit_mb", cfg.Bot.MemoryLimitMB)
	v.SetDefault("bot.cpu_millis", cfg.Bot.CPUMillis)
	v.SetDefault("bot.auto_remove", cfg.Bot.AutoRemove)
	v.SetDefault("image.reference", cfg.Image.Reference)
	v.SetDefault("image.base", cfg.Image.Base)
	v.SetDefault("image.packages", cfg.Image.Packages)
	v.SetDefault("image.account", cfg.Image.Account)
	v.SetDefault("image.workdir", cfg.Image.WorkDir)
	v.SetDefault("image.manifest", cfg.Image.Manifest)
	v.SetDefault("image.entry", cfg.Image.Entry)
	v.SetDefault("image.env_marker", cfg.Image.EnvMarker)
	v.SetDefault("image.containerfile", cfg.Image.ContainerfilePath)
	v.SetDefault("build.timeout_minutes", cfg.Build.TimeoutMinutes)
	v.SetDefault("build.buildkit.address", cfg.Build.BuildKit.Address)
	v.SetDefault("build.output_tar", cfg.Build.OutputTar)
	v.SetDefault("build.import", cfg.Build.Import)
	v.SetDefault("runtime.kind", cfg.Runtime.Kind)
	v.SetDefault("runtime.containerd.address", cfg.Runtime.Containerd.Address)
	v.SetDefault("runtime.containerd.namespace", cfg.Runtime.Containerd.Namespace)
	v.SetDefault("runtime.podman.address", cfg.Runtime.Podman.Address)
	v.SetDefault("runtime.podman.userns_mode", cfg.Runtime.Podman.UserNSMode)
	v.SetDefault("runtime.pull_timeout_minutes", cfg.Runtime.PullTimeoutMinutes)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("image.reference") {
			return Config{}, fmt.Errorf("image.reference is required for config_version %d", CurrentConfigVersion)
		}
		switch v.GetString("runtime.kind") {
		case "podman":
			if !v.IsSet("runtime.podman.address") {
				return Config{}, fmt.Errorf("runtime.podman.address is required for config_version %d", CurrentConfigVersion)
			}
		case "containerd":
			if !v.IsSet("runtime.containerd.address") {
				return Config{}, fmt.Errorf("runtime.containerd.address is required for config_version %d", CurrentConfigVersion)
			}
			if !v.IsSet("runtime.containerd.namespace") {
				return Config{}, fmt.Errorf("runtime.containerd.namespace is required for config_version %d", CurrentConfigVersion)
			}
		default:
			return Config{}, fmt.Errorf("unsupported runtime.kind %q", v.GetString("runtime.kind"))
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the parts of a config that would only fail later,
// deep inside a build or run.
func Validate(cfg Config) error {
	if _, err := reference.ParseNormalizedNamed(cfg.Image.Reference); err != nil {
		return fmt.Errorf("image.reference %q: %w", cfg.Image.Reference, err)
	}
	if cfg.Image.Base != "" {
		if _, err := reference.ParseNormalizedNamed(cfg.Image.Base); err != nil {
			return fmt.Errorf("image.base %q: %w", cfg.Image.Base, err)
		}
	}
	switch cfg.Runtime.Kind {
	case "podman", "containerd":
	default:
		return fmt.Errorf("unsupported runtime.kind %q", cfg.Runtime.Kind)
	}
	if cfg.Bot.Name == "" {
		return fmt.Errorf("bot.name is required")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Bot.ContextDir = expandEnv(cfg.Bot.ContextDir)
	cfg.Bot.EnvFile = expandEnv(cfg.Bot.EnvFile)
	cfg.Bot.LogDir = expandEnv(cfg.Bot.LogDir)
	cfg.Bot.ProductsFile = expandEnv(cfg.Bot.ProductsFile)
	cfg.Image.ContainerfilePath = expandEnv(cfg.Image.ContainerfilePath)
	cfg.Build.BuildKit.Address = expandEnv(cfg.Build.BuildKit.Address)
	cfg.Build.OutputTar = expandEnv(cfg.Build.OutputTar)
	cfg.Runtime.Containerd.Address = expandEnv(cfg.Runtime.Containerd.Address)
	cfg.Runtime.Podman.Address = expandEnv(cfg.Runtime.Podman.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
