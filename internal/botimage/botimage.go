// Package botimage generates and lints the bot's container image
// definition. The generated Containerfile follows a fixed stage order:
// pinned base, browser packages with index purge, non-root account,
// working directory, manifest-first dependency install, source copy,
// recursive chown, identity switch, containerized-env marker, and
// finally the entry command. Verify enforces the same ordering on
// operator-supplied Containerfile overrides before any build runs.
package botimage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

// Params parameterizes the generated Containerfile.
type Params struct {
	// BaseImage is the pinned runtime base image.
	BaseImage string
	// Packages are the system packages providing the headless browser
	// engine, its driver and shared libraries.
	Packages []string
	// Account is the non-privileged account the entry point runs as.
	Account string
	// WorkDir is the application working directory inside the image.
	WorkDir string
	// Manifest is the dependency manifest filename, copied and
	// installed before the full source copy.
	Manifest string
	// Entry is the command launched when an instance starts.
	Entry []string
	// EnvMarker is the environment variable set to 1 to signal
	// containerized execution to the application.
	EnvMarker string
	// ExtraEnv holds additional KEY=VALUE pairs baked into the image.
	ExtraEnv map[string]string
}

// DefaultParams returns the stock bot image parameters.
func DefaultParams() Params {
	return Params{
		BaseImage: "docker.io/library/python:3.11-slim",
		Packages:  []string{"chromium", "chromium-driver"},
		Account:   "botuser",
		WorkDir:   "/app",
		Manifest:  "requirements.txt",
		Entry:     []string{"python", "-m", "app.main"},
		EnvMarker: "DOCKERIZED",
	}
}

type templateData struct {
	BaseImage   string
	PackageList string
	Account     string
	WorkDir     string
	Manifest    string
	EnvMarker   string
	ExtraEnv    []string
	EntryJSON   string
}

// Render produces the Containerfile for the given parameters. Zero
// fields fall back to DefaultParams values.
func Render(params Params) ([]byte, error) {
	params = fillDefaults(params)
	if err := validate(params); err != nil {
		return nil, err
	}
	entryJSON, err := json.Marshal(params.Entry)
	if err != nil {
		return nil, err
	}
	extra := make([]string, 0, len(params.ExtraEnv))
	for k, v := range params.ExtraEnv {
		extra = append(extra, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(extra)
	data := templateData{
		BaseImage:   params.BaseImage,
		PackageList: strings.Join(params.Packages, " "),
		Account:     params.Account,
		WorkDir:     params.WorkDir,
		Manifest:    params.Manifest,
		EnvMarker:   params.EnvMarker,
		ExtraEnv:    extra,
		EntryJSON:   string(entryJSON),
	}
	raw, err := readEmbeddedFile("templates/Containerfile.bot.tmpl")
	if err != nil {
		return nil, err
	}
	tpl, err := template.New("Containerfile.bot.tmpl").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse containerfile template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render containerfile template: %w", err)
	}
	rendered := buf.Bytes()
	if err := Verify(rendered); err != nil {
		return nil, fmt.Errorf("generated containerfile failed verification: %w", err)
	}
	return rendered, nil
}

func fillDefaults(params Params) Params {
	defaults := DefaultParams()
	if strings.TrimSpace(params.BaseImage) == "" {
		params.BaseImage = defaults.BaseImage
	}
	if len(params.Packages) == 0 {
		params.Packages = defaults.Packages
	}
	if strings.TrimSpace(params.Account) == "" {
		params.Account = defaults.Account
	}
	if strings.TrimSpace(params.WorkDir) == "" {
		params.WorkDir = defaults.WorkDir
	}
	if strings.TrimSpace(params.Manifest) == "" {
		params.Manifest = defaults.Manifest
	}
	if len(params.Entry) == 0 {
		params.Entry = defaults.Entry
	}
	if strings.TrimSpace(params.EnvMarker) == "" {
		params.EnvMarker = defaults.EnvMarker
	}
	return params
}

func validate(params Params) error {
	if !strings.Contains(params.BaseImage, ":") && !strings.Contains(params.BaseImage, "@") {
		return fmt.Errorf("base image must be pinned to a tag or digest: %s", params.BaseImage)
	}
	if strings.EqualFold(params.Account, "root") || params.Account == "0" {
		return fmt.Errorf("bot account must not be privileged: %s", params.Account)
	}
	if !filepath.IsAbs(params.WorkDir) {
		return fmt.Errorf("working directory must be absolute: %s", params.WorkDir)
	}
	if strings.ContainsAny(params.Manifest, "/\\") {
		return fmt.Errorf("manifest must be a bare filename: %s", params.Manifest)
	}
	return nil
}

// directive is one logical Containerfile instruction with continuation
// lines joined.
type directive struct {
	keyword string
	args    string
	line    int
}

// Verify statically checks a Containerfile against the invariants the
// launch pipeline depends on:
//
//   - a non-root USER is declared before any ENTRYPOINT or CMD
//   - a recursive chown runs before the USER switch
//   - the dependency manifest is copied and installed before the full
//     source copy
//   - no instruction after USER requires elevated privileges
//
// Builds refuse Containerfiles that fail verification.
func Verify(containerfile []byte) error {
	directives := parseDirectives(containerfile)
	if len(directives) == 0 {
		return fmt.Errorf("containerfile is empty")
	}

	userIdx := -1
	userArg := ""
	chownIdx := -1
	fullCopyIdx := -1
	manifestCopyIdx := -1
	installIdx := -1
	entryIdx := -1

	for i, d := range directives {
		switch d.keyword {
		case "USER":
			if userIdx == -1 {
				userIdx = i
				userArg = strings.TrimSpace(d.args)
			}
		case "RUN":
			if strings.Contains(d.args, "chown") && chownIdx == -1 {
				chownIdx = i
			}
			if manifestCopyIdx != -1 && installIdx == -1 && fullCopyIdx == -1 {
				installIdx = i
			}
		case "COPY", "ADD":
			if isFullSourceCopy(d.args) {
				if fullCopyIdx == -1 {
					fullCopyIdx = i
				}
			} else if manifestCopyIdx == -1 {
				manifestCopyIdx = i
			}
		case "CMD", "ENTRYPOINT":
			if entryIdx == -1 {
				entryIdx = i
			}
		}
	}

	if userIdx == -1 {
		return fmt.Errorf("no USER instruction: entry point would run privileged")
	}
	if account := strings.SplitN(userArg, ":", 2)[0]; strings.EqualFold(account, "root") || account == "0" || account == "" {
		return fmt.Errorf("USER instruction declares a privileged account: %q (line %d)", userArg, directives[userIdx].line)
	}
	if entryIdx != -1 && entryIdx < userIdx {
		return fmt.Errorf("entry command declared before USER switch (line %d)", directives[entryIdx].line)
	}
	if chownIdx == -1 {
		return fmt.Errorf("no ownership transfer before identity switch: missing chown")
	}
	if chownIdx > userIdx {
		return fmt.Errorf("ownership transfer after USER switch (line %d)", directives[chownIdx].line)
	}
	if fullCopyIdx != -1 {
		if manifestCopyIdx == -1 || manifestCopyIdx > fullCopyIdx {
			return fmt.Errorf("dependency manifest not copied before full source copy (line %d)", directives[fullCopyIdx].line)
		}
		if installIdx == -1 || installIdx > fullCopyIdx {
			return fmt.Errorf("dependency install does not precede full source copy (line %d)", directives[fullCopyIdx].line)
		}
	}
	for i := userIdx + 1; i < len(directives); i++ {
		d := directives[i]
		if d.keyword != "RUN" {
			continue
		}
		if tok := privilegedToken(d.args); tok != "" {
			return fmt.Errorf("privileged %q after USER switch (line %d)", tok, d.line)
		}
	}
	return nil
}

func parseDirectives(containerfile []byte) []directive {
	var out []directive
	lines := strings.Split(string(containerfile), "\n")
	for i := 0; i < len(lines); i++ {
		startLine := i + 1
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for strings.HasSuffix(line, "\\") && i+1 < len(lines) {
			i++
			line = strings.TrimSuffix(line, "\\") + " " + strings.TrimSpace(lines[i])
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		keyword := strings.ToUpper(fields[0])
		args := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		out = append(out, directive{keyword: keyword, args: args, line: startLine})
	}
	return out
}

func isFullSourceCopy(args string) bool {
	fields := strings.Fields(args)
	// COPY supports flags like --chown before the source argument.
	for _, f := range fields {
		if strings.HasPrefix(f, "--") {
			continue
		}
		return f == "." || f == "./"
	}
	return false
}

var privilegedTokens = []string{
	"apt-get", "apt ", "apk ", "yum ", "dnf ",
	"useradd", "adduser", "groupadd", "chown",
}

func privilegedToken(args string) string {
	padded := args + " "
	for _, tok := range privilegedTokens {
		if strings.Contains(padded, tok) {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}
