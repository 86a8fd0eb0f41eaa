package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Bot           BotConfig     `mapstructure:"bot" yaml:"bot"`
	Image         ImageConfig   `mapstructure:"image" yaml:"image"`
	Build         BuildConfig   `mapstructure:"build" yaml:"build"`
	Runtime       RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BotConfig configures the launched bot instance.
type BotConfig struct {
	// Name is the container instance name.
	Name string `mapstructure:"name" yaml:"name"`
	// ContextDir is the build context holding the bot source tree.
	ContextDir string `mapstructure:"context_dir" yaml:"context_dir"`
	// EnvFile holds runtime secrets (TELEGRAM_TOKEN, CHAT_ID) injected
	// into the instance without being baked into the image.
	EnvFile string `mapstructure:"env_file" yaml:"env_file"`
	// LogDir is the host directory bind-mounted over the bot's log
	// directory; the bot's file handler writes app.log there.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
	// ProductsFile is the watch-list file mounted read-only so edits
	// do not require a rebuild.
	ProductsFile  string `mapstructure:"products_file" yaml:"products_file"`
	ShmSizeMB     int    `mapstructure:"shm_size_mb" yaml:"shm_size_mb"`
	MemoryLimitMB int    `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	CPUMillis     int    `mapstructure:"cpu_millis" yaml:"cpu_millis"`
	AutoRemove    bool   `mapstructure:"auto_remove" yaml:"auto_remove"`
}

// ImageConfig configures the generated bot image.
type ImageConfig struct {
	Reference string   `mapstructure:"reference" yaml:"reference"`
	Base      string   `mapstructure:"base" yaml:"base"`
	Packages  []string `mapstructure:"packages" yaml:"packages"`
	Account   string   `mapstructure:"account" yaml:"account"`
	WorkDir   string   `mapstructure:"workdir" yaml:"workdir"`
	Manifest  string   `mapstructure:"manifest" yaml:"manifest"`
	Entry     []string `mapstructure:"entry" yaml:"entry"`
	EnvMarker string   `mapstructure:"env_marker" yaml:"env_marker"`
	// ContainerfilePath overrides the generated Containerfile. The
	// override is verified against the stage-ordering and non-root
	// invariants before any build.
	ContainerfilePath string `mapstructure:"containerfile" yaml:"containerfile"`
}

// BuildConfig configures the image build backend.
type BuildConfig struct {
	TimeoutMinutes int            `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
	BuildKit       BuildKitConfig `mapstructure:"buildkit" yaml:"buildkit"`
	// OutputTar exports the built image as an OCI tar archive.
	OutputTar string `mapstructure:"output_tar" yaml:"output_tar"`
	// Import loads the exported tar into the runtime's image store.
	Import bool `mapstructure:"import" yaml:"import"`
}

// RuntimeConfig selects and configures the container runtime backend.
type RuntimeConfig struct {
	Kind               string           `mapstructure:"kind" yaml:"kind"`
	Containerd         ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	Podman             PodmanConfig     `mapstructure:"podman" yaml:"podman"`
	PullTimeoutMinutes int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// PodmanConfig configures the podman runtime endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Bot: BotConfig{
			Name:         "spellhunter-bot",
			ContextDir:   ".",
			EnvFile:      ".env",
			LogDir:       "./logs",
			ProductsFile: "config.json",
			ShmSizeMB:    512,
			AutoRemove:   false,
		},
		Image: ImageConfig{
			Reference: "localhost/spellhunter-bot:latest",
			Base:      "docker.io/library/python:3.11-slim",
			Packages:  []string{"chromium", "chromium-driver"},
			Account:   "botuser",
			WorkDir:   "/app",
			Manifest:  "requirements.txt",
			Entry:     []string{"python", "-m", "app.main"},
			EnvMarker: "DOCKERIZED",
		},
		Build: BuildConfig{
			TimeoutMinutes: 20,
			BuildKit: BuildKitConfig{
				Address: "",
			},
			OutputTar: "",
			Import:    false,
		},
		Runtime: RuntimeConfig{
			Kind: "podman",
			Containerd: ContainerdConfig{
				Address:   "unix://" + filepath.Join(runtimeDir, "containerd", "containerd.sock"),
				Namespace: "spellhunter",
			},
			Podman: PodmanConfig{
				Address:    "unix://" + filepath.Join(runtimeDir, "podman", "podman.sock"),
				UserNSMode: "keep-id",
			},
			PullTimeoutMinutes: 5,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".spellhunter", "config.yaml"), nil
}
