// Package cmd defines and implements the CLI commands for the harvest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/app"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/normalize"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Harvest(ctx context.Context, locators []string) (harvest.Report, error)
	Normalize(ctx context.Context, dir string) (normalize.Result, error)
	Watch(ctx context.Context, dir string, onPass normalize.PassFunc) error
	Serve(ctx context.Context) error
	LedgerStats() map[harvest.State]int
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

// rootState tracks the App built for the current invocation so it can be
// closed even when a subcommand fails and PersistentPostRunE is skipped.
type rootState struct {
	cfgFile string
	app     App
}

func (s *rootState) close(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close(ctx)
	s.app = nil
	return err
}

// newRootCmd creates and configures the root command.
func newRootCmd(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Bulk media acquisition with a persistent download ledger.",
		Long: `harvest expands channel, playlist and page locators into items, fetches
their metadata, skips everything already recorded in the download ledger or
matching an exclusion keyword, downloads the rest through yt-dlp, and
normalizes the resulting filenames.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the App once config is known and stores it on the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			state.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return state.close(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML); HARVEST_* variables override it")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newNormalizeCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLedgerCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := &rootState{}
	err := newRootCmd(state).ExecuteContext(ctx)
	if cerr := state.close(context.WithoutCancel(ctx)); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
