package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/paulohpb/spell-hunter-bot/internal/appconfig"
	"github.com/paulohpb/spell-hunter-bot/internal/botimage"
	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"github.com/paulohpb/spell-hunter-bot/internal/launch"
)

// assemblePlan maps the configuration onto a concrete build and launch
// plan: the Containerfile to build, the image tag, the secrets env, the
// host mounts and the log sink.
func assemblePlan(cfg appconfig.Config) (launch.Plan, error) {
	containerfile, err := resolveContainerfile(cfg)
	if err != nil {
		return launch.Plan{}, err
	}

	env, err := loadBotEnv(cfg.Bot.EnvFile)
	if err != nil {
		return launch.Plan{}, err
	}

	logDir, err := filepath.Abs(cfg.Bot.LogDir)
	if err != nil {
		return launch.Plan{}, err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return launch.Plan{}, err
	}

	mounts := []drydock.Mount{
		{Source: logDir, Target: path.Join(cfg.Image.WorkDir, "logs")},
	}
	if strings.TrimSpace(cfg.Bot.ProductsFile) != "" {
		productsPath, err := filepath.Abs(cfg.Bot.ProductsFile)
		if err != nil {
			return launch.Plan{}, err
		}
		if _, err := os.Stat(productsPath); err == nil {
			mounts = append(mounts, drydock.Mount{
				Source:   productsPath,
				Target:   path.Join(cfg.Image.WorkDir, "config.json"),
				ReadOnly: true,
			})
		}
	}

	var tmpfs []drydock.TmpfsMount
	if cfg.Bot.ShmSizeMB > 0 {
		tmpfs = append(tmpfs, drydock.TmpfsMount{
			Target:  "/dev/shm",
			Options: []string{fmt.Sprintf("size=%dm", cfg.Bot.ShmSizeMB)},
		})
	}

	var caps *drydock.ResourceCaps
	if cfg.Bot.MemoryLimitMB > 0 || cfg.Bot.CPUMillis > 0 {
		caps = &drydock.ResourceCaps{
			MemoryBytes: int64(cfg.Bot.MemoryLimitMB) * 1024 * 1024,
			NanoCPUs:    int64(cfg.Bot.CPUMillis) * 1_000_000,
		}
	}

	plan := launch.Plan{
		Build: drydock.BuildSpec{
			ContextDir:        cfg.Bot.ContextDir,
			ContainerfileData: containerfile,
			Tags:              []string{cfg.Image.Reference},
			Timeout:           buildTimeout(cfg),
			OutputPath:        cfg.Build.OutputTar,
		},
		Launch: drydock.LaunchSpec{
			Name:   cfg.Bot.Name,
			Image:  cfg.Image.Reference,
			Env:    env,
			Mounts: mounts,
			Tmpfs:  tmpfs,
			// The bot's own file handler writes app.log through the
			// logs bind mount; the stdout capture gets its own file so
			// the two streams never interleave.
			LogSinkPath:  filepath.Join(logDir, "console.log"),
			AutoRemove:   cfg.Bot.AutoRemove,
			ResourceCaps: caps,
		},
		ImportTar: cfg.Build.Import,
		LogHint:   logHint(cfg.Bot.LogDir),
	}
	return plan, nil
}

// resolveContainerfile prefers an operator override on disk over the
// generated definition. Overrides are verified before any build runs.
func resolveContainerfile(cfg appconfig.Config) ([]byte, error) {
	if override := strings.TrimSpace(cfg.Image.ContainerfilePath); override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			return nil, fmt.Errorf("read containerfile override: %w", err)
		}
		return data, nil
	}
	return botimage.Render(botimage.Params{
		BaseImage: cfg.Image.Base,
		Packages:  cfg.Image.Packages,
		Account:   cfg.Image.Account,
		WorkDir:   cfg.Image.WorkDir,
		Manifest:  cfg.Image.Manifest,
		Entry:     cfg.Image.Entry,
		EnvMarker: cfg.Image.EnvMarker,
	})
}

// loadBotEnv reads the secrets env file. A missing file is not an
// error; the bot then starts without credentials and reports that
// itself.
func loadBotEnv(envFile string) (map[string]string, error) {
	if strings.TrimSpace(envFile) == "" {
		return nil, nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	env, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", envFile, err)
	}
	return env, nil
}

func buildTimeout(cfg appconfig.Config) time.Duration {
	if cfg.Build.TimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(cfg.Build.TimeoutMinutes) * time.Minute
}

func logHint(logDir string) string {
	dir := strings.TrimSpace(logDir)
	if dir == "" {
		return launch.DefaultLogHint
	}
	return strings.TrimSuffix(dir, "/") + "/app.log"
}
