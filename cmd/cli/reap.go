package cli

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskengine/cmd/cli/runcmd"
	"taskengine/internal/config"
	"taskengine/internal/engine"
	"taskengine/internal/reaper"
	"taskengine/internal/store"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Runs a single reaper sweep and exits",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		olderThan, _ := cmd.Flags().GetInt("older-than")

		db := runcmd.MustDatabase(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly")
			}
		}()

		e := engine.New(conf, store.NewPostgresStore(db), nil)
		var result *reaper.Result
		var err error
		if olderThan > 0 {
			result, err = e.Reaper.SweepOnce(context.Background(), time.Duration(olderThan)*time.Minute)
		} else {
			result, err = e.Reaper.Sweep(context.Background())
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Sweep failed")
		}
		log.Info().Int("reaped", result.Reaped).Int("failed", result.Failed).Msg(result.Message)
	},
}

func init() {
	reapCmd.Flags().Int("older-than", 0, "reap runs older than this many minutes, defaults to reaper.run_timeout_min")
}
