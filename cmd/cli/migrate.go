package cli

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskengine/cmd/cli/runcmd"
	"taskengine/internal/config"
	"taskengine/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		db := runcmd.MustDatabase(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly")
			}
		}()

		applied, err := database.Migrate(context.Background(), db)
		if err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
		log.Info().Strs("applied", applied).Msgf("Applied %d migration(s)", len(applied))
	},
}
