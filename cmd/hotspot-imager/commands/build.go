package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kiwix/hotspot-imager/internal/config"
	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/db"
	"github.com/kiwix/hotspot-imager/pkg/device"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	appfsm "github.com/kiwix/hotspot-imager/pkg/fsm"
	"github.com/kiwix/hotspot-imager/pkg/guard"
	"github.com/kiwix/hotspot-imager/pkg/pipeline"
	"github.com/kiwix/hotspot-imager/pkg/report"
	"github.com/kiwix/hotspot-imager/pkg/retry"
	"github.com/kiwix/hotspot-imager/pkg/security"
	"github.com/kiwix/hotspot-imager/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var buildFlags struct {
	name          string
	timezone      string
	language      string
	wifiPassword  string
	adminLogin    string
	adminPassword string
	modules       []string
	edupi         string
	zims          []string
	size          string
	device        string
	favicon       string
	logo          string
	css           string
	qemuRAM       string
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a hotspot image and optionally write it to an SD card",
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	f := buildCmd.Flags()
	f.StringVar(&buildFlags.name, "name", "", "Hotspot name")
	f.StringVar(&buildFlags.timezone, "timezone", "UTC", "Timezone of the hotspot")
	f.StringVar(&buildFlags.language, "language", "en", "Interface language")
	f.StringVar(&buildFlags.wifiPassword, "wifi-password", "", "WiFi password, open network when empty")
	f.StringVar(&buildFlags.adminLogin, "admin-login", "", "Admin account login")
	f.StringVar(&buildFlags.adminPassword, "admin-password", "", "Admin account password")
	f.StringSliceVar(&buildFlags.modules, "module", nil, "Optional content module to enable (repeatable)")
	f.StringVar(&buildFlags.edupi, "edupi-resources", "", "EduPi resources archive, local path or URL")
	f.StringSliceVar(&buildFlags.zims, "zim", nil, "ZIM file to install (repeatable)")
	f.StringVar(&buildFlags.size, "size", "", "Image size, e.g. 16GB; empty keeps the base size")
	f.StringVar(&buildFlags.device, "device", "", "SD card device to write to; empty builds the image only")
	f.StringVar(&buildFlags.favicon, "favicon", "", "Favicon file, local path or URL")
	f.StringVar(&buildFlags.logo, "logo", "", "Logo file, local path or URL")
	f.StringVar(&buildFlags.css, "css", "", "Stylesheet file, local path or URL")
	f.StringVar(&buildFlags.qemuRAM, "qemu-ram", "2G", "Memory of the provisioning VM")
	buildCmd.MarkFlagRequired("name")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	fsmDBPath := ""
	if cfg.Durable {
		fsmDBPath = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDBPath, cfg.BuildDir, cfg.CacheDir); err != nil {
		return err
	}

	size, err := parseSize(buildFlags.size)
	if err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if _, err := repo.FailStale(ctx); err != nil {
		slog.Warn("stale_builds_check_failed", "error", err)
	}

	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxCompressionRatio)
	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, cfg.CacheDir, validator)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	p := pipeline.New(pipeline.Deps{
		Logger:     report.New(cmd.OutOrStdout()),
		Downloader: client,
		Devices:    device.NewManager(),
		Inhibitor:  guard.DefaultInhibitor(),
		Recorder:   repo,
	}, pipeline.Settings{
		BaseImage: storage.Content{Name: path.Base(cfg.BaseImageKey), Key: cfg.BaseImageKey},
		Settle: pipeline.Settle{
			Master: cfg.SettleMaster,
			Erase:  cfg.SettleErase,
			Write:  cfg.SettleWrite,
		},
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     retry.LinearBackoff(cfg.RetryBackoff),
		},
		ChunkSize: cfg.WriteChunkSize,
	})

	token := cancel.NewToken()
	stopSignals := cancelOnSignal(token)
	defer stopSignals()

	req := pipeline.Request{
		Name:         buildFlags.name,
		Timezone:     buildFlags.timezone,
		Language:     buildFlags.language,
		WifiPassword: buildFlags.wifiPassword,
		Admin: pipeline.AdminAccount{
			Login:    buildFlags.adminLogin,
			Password: buildFlags.adminPassword,
		},
		Modules:        buildFlags.modules,
		EduPiResources: buildFlags.edupi,
		ZimInstall:     buildFlags.zims,
		Size:           size,
		Device:         buildFlags.device,
		Favicon:        buildFlags.favicon,
		Logo:           buildFlags.logo,
		CSS:            buildFlags.css,
		BuildDir:       cfg.BuildDir,
		QemuRAM:        buildFlags.qemuRAM,
		Token:          token,
	}

	var out pipeline.Outcome
	if cfg.Durable {
		out, err = runDurable(ctx, cfg.FSMDBPath, p, req)
		if err != nil {
			return err
		}
	} else {
		out = p.Run(ctx, req)
	}

	printOutcome(cmd.OutOrStdout(), out)

	if out.ExitCode() != 0 {
		cmd.SilenceUsage = true
		return fmt.Errorf("installation failed (%s)", out.Kind())
	}
	return nil
}

// runDurable drives the run through the persisted FSM
func runDurable(ctx context.Context, dbPath string, p *pipeline.Pipeline, req pipeline.Request) (pipeline.Outcome, error) {
	manager, err := fsm.New(fsm.Config{DBPath: dbPath})
	if err != nil {
		return pipeline.Outcome{}, errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine()
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return pipeline.Outcome{}, errors.Wrap(err, "FSM register failed")
	}

	return machine.Run(ctx, manager, start, p.NewSession(req)), nil
}

// cancelOnSignal cancels token on SIGINT or SIGTERM. The returned function
// stops listening.
func cancelOnSignal(token *cancel.Token) func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			slog.Warn("signal_received", "signal", sig.String())
			token.Cancel()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrap(err, "invalid --size")
	}
	return int64(n), nil
}
