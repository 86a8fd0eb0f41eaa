package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulohpb/spell-hunter-bot/internal/appconfig"
	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"github.com/paulohpb/spell-hunter-bot/internal/drydock/buildkit"
	"github.com/paulohpb/spell-hunter-bot/internal/drydock/containerd"
	"github.com/paulohpb/spell-hunter-bot/internal/drydock/podman"
)

func selectRuntime(ctx context.Context, cfg appconfig.Config) (drydock.Runtime, func() error, error) {
	switch cfg.Runtime.Kind {
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     cfg.Runtime.Podman.Address,
			UserNSMode:  cfg.Runtime.Podman.UserNSMode,
			PullTimeout: time.Duration(cfg.Runtime.PullTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", cfg.Runtime.Podman.Address, err)
		}
		return rt, rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     cfg.Runtime.Containerd.Address,
			Namespace:   cfg.Runtime.Containerd.Namespace,
			PullTimeout: time.Duration(cfg.Runtime.PullTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Runtime.Containerd.Address, err)
		}
		return rt, rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported runtime.kind %q", cfg.Runtime.Kind)
	}
}

func selectBuilder(cfg appconfig.Config) (drydock.Builder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Runtime.Kind)) {
	case "podman":
		return podman.NewBuilder(podman.Config{Address: cfg.Runtime.Podman.Address}), nil
	case "containerd":
		return buildkit.New(buildkit.Config{Address: cfg.Build.BuildKit.Address}), nil
	default:
		return nil, fmt.Errorf("unsupported runtime.kind %q", cfg.Runtime.Kind)
	}
}

func loadRequiredConfig(path string) (appconfig.Config, string, error) {
	configPath := strings.TrimSpace(path)
	if configPath == "" {
		resolved, err := appconfig.DefaultConfigPath()
		if err != nil {
			return appconfig.Config{}, "", err
		}
		configPath = resolved
	}
	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return appconfig.Config{}, "", fmt.Errorf("config not found: %s; run spellhunter bootstrap", configPath)
		}
		return appconfig.Config{}, "", err
	}
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return appconfig.Config{}, "", err
	}
	return cfg, configPath, nil
}
