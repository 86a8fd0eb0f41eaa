package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"

	"github.com/paulohpb/spell-hunter-bot/internal/drydock"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var hostBrowser bool
	var browserTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run spellhunter diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, configPath, err := loadRequiredConfig(cfgPath)
			if err != nil {
				return err
			}
			logger.Info("doctor start", "config", configPath)

			if _, err := assemblePlan(cfg); err != nil {
				return fmt.Errorf("plan assembly failed: %w", err)
			}
			logger.Info("doctor plan ok")

			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			logger.Info("doctor runtime ok", "kind", cfg.Runtime.Kind)

			imageOK, err := rt.ImageExists(cmd.Context(), cfg.Image.Reference)
			if err != nil {
				return err
			}
			if !imageOK {
				logger.Warn("doctor image missing", "image", cfg.Image.Reference)
			} else {
				logger.Info("doctor image ok", "image", cfg.Image.Reference)
			}

			handle := &drydock.Instance{InstanceName: cfg.Bot.Name}
			running, err := rt.Running(cmd.Context(), handle)
			if err != nil {
				return err
			}
			if running {
				if err := verifyBrowserInInstance(cmd.Context(), rt, handle); err != nil {
					return err
				}
				logger.Info("doctor instance browser ok", "container", cfg.Bot.Name)
			} else {
				logger.Info("doctor instance not running", "container", cfg.Bot.Name)
			}

			if hostBrowser {
				if err := verifyHostBrowser(cmd.Context(), browserTimeout); err != nil {
					return err
				}
				logger.Info("doctor host browser ok")
			}

			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&hostBrowser, "browser", false, "also verify a headless browser on the host")
	cmd.Flags().DurationVar(&browserTimeout, "browser-timeout", 30*time.Second, "host browser verification timeout")
	return cmd
}

// verifyBrowserInInstance checks that the image actually carries the
// headless browser the bot drives.
func verifyBrowserInInstance(ctx context.Context, rt drydock.Runtime, handle drydock.Handle) error {
	var stdout, stderr bytes.Buffer
	res, err := rt.Exec(ctx, handle, drydock.ExecSpec{
		Command: []string{"chromium", "--version"},
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("browser check exec failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chromium --version exited %d: %s", res.ExitCode, strings.TrimSpace(stderr.String()))
	}
	if !strings.Contains(strings.ToLower(stdout.String()), "chromium") {
		return fmt.Errorf("unexpected browser version output: %s", strings.TrimSpace(stdout.String()))
	}
	return nil
}

// verifyHostBrowser drives a short headless session with the same
// flags the containerized bot uses.
func verifyHostBrowser(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var title string
	if err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.Title(&title),
	); err != nil {
		return fmt.Errorf("host browser session failed: %w", err)
	}
	return nil
}
