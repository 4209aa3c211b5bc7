package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/posix4e/strudelcover/internal/config"
	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/generate"
	"github.com/posix4e/strudelcover/internal/llm"
	"github.com/posix4e/strudelcover/internal/orchestrator"
	"github.com/posix4e/strudelcover/internal/recorder"
	"github.com/posix4e/strudelcover/internal/strudel"
)

var (
	// Global flags
	verbose bool
	cfgPath string

	// Cover flags
	audioFile  string
	record     bool
	outputPath string
	addr       string
	strudelURL string
	headless   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "strudelcover [artist] [song]",
	Short: "Generate and refine a live-coded Strudel cover of a song",
	Long: `strudelcover turns "recreate song X by artist Y" into a running Strudel
pattern. It drives a real browser on the Strudel editor, generates an initial
pattern from the song's structure, recovers from runtime errors, then refines
the pattern in three passes: whole-song, per-section, and targeted fixes.

A local dashboard serves live progress at the configured address.

Example:
  strudelcover "Daft Punk" "Around the World" --audio around_the_world.wav --record`,
	Args: cobra.ExactArgs(2),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runCover,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a default configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		// Never persist secrets pulled from the environment.
		cfg.LLM.APIKey = ""
		if err := cfg.Save(args[0]); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".strudelcover/config.yaml", "config file path")

	rootCmd.Flags().StringVar(&audioFile, "audio", "", "audio file whose precomputed analysis guides the structure")
	rootCmd.Flags().BoolVar(&record, "record", false, "capture system audio while the pattern plays")
	rootCmd.Flags().StringVar(&outputPath, "output", "", "archive the recording to this path when it stops")
	rootCmd.Flags().StringVar(&addr, "addr", "", "dashboard listen address (overrides config)")
	rootCmd.Flags().StringVar(&strudelURL, "url", "", "Strudel editor URL (overrides config)")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "run the browser headless")

	rootCmd.AddCommand(initConfigCmd)
}

func runCover(cmd *cobra.Command, args []string) error {
	artist, song := args[0], args[1]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Dashboard.Addr = addr
	}
	if strudelURL != "" {
		cfg.Browser.StrudelURL = strudelURL
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = headless
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := llm.NewClient(ctx, cfg)
	if err != nil {
		return err
	}

	hub := dashboard.NewHub(logger)
	go hub.Run()
	defer hub.Close()

	rec := recorder.New(cfg.Recorder, hub, logger)
	rec.OutputPath = outputPath

	bridge := strudel.New(cfg.Browser, logger)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer func() {
		if err := bridge.Shutdown(); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	gen := generate.New(client, hub, cfg.DebugDir, cfg.LLM.ValidatePatterns, logger)

	orch := orchestrator.New(cfg, orchestrator.Options{
		Artist:    artist,
		Song:      song,
		AudioFile: audioFile,
		Record:    record,
	}, gen, bridge, rec, hub, nil, logger)

	srv := dashboard.NewServer(cfg.Dashboard.Addr, hub, dashboard.Controls{
		StartRecording: func() {
			sess := orch.Session()
			if sess == nil {
				logger.Warn("recording requested before session started")
				return
			}
			if err := rec.Start(ctx, sess); err != nil {
				logger.Warn("recording start", zap.Error(err))
			}
		},
		StopRecording: func() {
			if err := rec.Stop(ctx); err != nil {
				logger.Warn("recording stop", zap.Error(err))
			}
		},
	}, logger)

	logger.Info("starting cover session",
		zap.String("artist", artist),
		zap.String("song", song),
		zap.String("dashboard", cfg.Dashboard.Addr))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		if err := orch.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		// Keep serving the dashboard after completion until interrupted.
		logger.Info("session finished, dashboard still serving; Ctrl-C to exit")
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
