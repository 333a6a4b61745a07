package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskengine/internal/config"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Starts a standalone reaper process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running reaper process")
		conf := config.FromCobraCmd(cmd)

		res := mustEngine(conf)
		ctx, cancel := context.WithCancel(context.Background())
		rpr := res.engine.Reaper

		defer func() {
			cancel()
			rpr.Stop()
			res.Close()
		}()

		if err := rpr.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reaper")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
