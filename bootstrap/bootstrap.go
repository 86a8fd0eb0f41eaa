// Package bootstrap generates the starter files a new bot project
// needs: the host config, a rendered Containerfile, a secrets skeleton,
// a sample product watch list and the log directory.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paulohpb/spell-hunter-bot/internal/appconfig"
	"github.com/paulohpb/spell-hunter-bot/internal/botimage"
)

// Files represents generated bootstrap artifacts.
type Files struct {
	ConfigYAML    []byte
	Containerfile []byte
	EnvFile       []byte
	ProductsJSON  []byte
}

// Paths reports where bootstrap wrote its outputs.
type Paths struct {
	ConfigPath        string
	ContainerfilePath string
	EnvPath           string
	ProductsPath      string
	LogDir            string
}

const (
	containerfileName = "Containerfile.bot"
	envName           = ".env"
	productsName      = "config.json"
	logDirName        = "logs"
)

// DefaultFiles returns the bootstrap artifacts generated from the
// default configuration.
func DefaultFiles() (Files, error) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		return Files{}, err
	}
	return FilesFor(cfg)
}

// FilesFor returns the bootstrap artifacts for a configuration.
func FilesFor(cfg appconfig.Config) (Files, error) {
	configYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return Files{}, err
	}
	containerfile, err := botimage.Render(botimage.Params{
		BaseImage: cfg.Image.Base,
		Packages:  cfg.Image.Packages,
		Account:   cfg.Image.Account,
		WorkDir:   cfg.Image.WorkDir,
		Manifest:  cfg.Image.Manifest,
		Entry:     cfg.Image.Entry,
		EnvMarker: cfg.Image.EnvMarker,
	})
	if err != nil {
		return Files{}, err
	}
	envFile, err := readEmbeddedFile("files/env.skel")
	if err != nil {
		return Files{}, err
	}
	productsJSON, err := readEmbeddedFile("files/products.json")
	if err != nil {
		return Files{}, err
	}
	return Files{
		ConfigYAML:    configYAML,
		Containerfile: containerfile,
		EnvFile:       envFile,
		ProductsJSON:  productsJSON,
	}, nil
}

// WriteFiles writes the artifacts into the output directory. Existing
// files abort the write unless overwrite is set; the secrets file is
// never overwritten.
func WriteFiles(outputDir string, files Files, overwrite bool) (Paths, error) {
	if strings.TrimSpace(outputDir) == "" {
		return Paths{}, fmt.Errorf("output directory is required")
	}

	paths := Paths{
		ConfigPath:        filepath.Join(outputDir, "config.yaml"),
		ContainerfilePath: filepath.Join(outputDir, containerfileName),
		EnvPath:           filepath.Join(outputDir, envName),
		ProductsPath:      filepath.Join(outputDir, productsName),
		LogDir:            filepath.Join(outputDir, logDirName),
	}

	pathsToCheck := []string{paths.ConfigPath, paths.ContainerfilePath, paths.ProductsPath}
	for _, path := range pathsToCheck {
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				return Paths{}, fmt.Errorf("file already exists: %s", path)
			}
		}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(paths.ConfigPath, files.ConfigYAML, 0o644); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(paths.ContainerfilePath, files.Containerfile, 0o644); err != nil {
		return Paths{}, err
	}
	if _, err := os.Stat(paths.EnvPath); os.IsNotExist(err) {
		if err := os.WriteFile(paths.EnvPath, files.EnvFile, 0o600); err != nil {
			return Paths{}, err
		}
	}
	if err := os.WriteFile(paths.ProductsPath, files.ProductsJSON, 0o644); err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(paths.LogDir, 0o755); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

// WriteBootstrap generates the default artifacts, writes them into the
// output directory and installs the host config at its standard path
// when none exists yet.
func WriteBootstrap(outputDir string, overwrite bool) (Paths, error) {
	files, err := DefaultFiles()
	if err != nil {
		return Paths{}, err
	}
	paths, err := WriteFiles(outputDir, files, overwrite)
	if err != nil {
		return Paths{}, err
	}
	hostPath, err := appconfig.DefaultConfigPath()
	if err != nil {
		return Paths{}, err
	}
	if _, err := os.Stat(hostPath); os.IsNotExist(err) {
		if _, err := appconfig.WriteDefault(hostPath, false); err != nil {
			return Paths{}, err
		}
	}
	return paths, nil
}
