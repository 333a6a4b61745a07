package runcmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskengine/internal/config"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server",
	Long: `Starts the API server. Unless --no-reaper is given, the reaper sweeps for stuck runs in
the same process.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running server process")
		conf := config.FromCobraCmd(cmd)
		withReaper, _ := cmd.Flags().GetBool("no-reaper")
		withReaper = !withReaper

		res := mustEngine(conf)
		ctx, cancel := context.WithCancel(context.Background())

		defer func() {
			cancel()
			if withReaper {
				res.engine.Reaper.Stop()
			}
			res.Close()
		}()

		if withReaper {
			if err := res.engine.Reaper.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to start reaper")
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- res.engine.API(ctx).ListenAndServe(conf.ServerAddress())
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("address", conf.ServerAddress()).Msg("API server stopped")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

func init() {
	serverCmd.Flags().Bool("no-reaper", false, "do not run the reaper inside the server process")
}
