package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskengine/cmd/cli/runcmd"
	"taskengine/internal/config"
	"taskengine/internal/queue"
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect the activity feed",
}

var activityTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follows activities published to the queue",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		redis := runcmd.MustQueue(conf)
		if redis == nil {
			log.Fatal().Msg("The activity queue is disabled, set queue.enabled to tail it")
		}
		defer func() {
			if err := redis.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close redis queue cleanly")
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := redis.Subscribe(ctx, func(msg queue.ActivityMessage) {
			details := []byte(msg.Details)
			if len(details) == 0 {
				details = []byte("{}")
			}
			log.Info().
				Str("event_type", msg.EventType).
				Str("severity", msg.Severity).
				Str("agent", msg.Agent).
				Str("customer_id", msg.CustomerID).
				RawJSON("details", details).
				Msg(msg.Action)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Stopped tailing activities")
		}
	},
}

func init() {
	activityCmd.AddCommand(activityTailCmd)
}
