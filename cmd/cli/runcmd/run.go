package runcmd

import (
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskengine/internal/config"
	"taskengine/internal/database"
	"taskengine/internal/engine"
	"taskengine/internal/queue"
	"taskengine/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(reaperCmd)
}

func MustDatabase(conf *config.Config) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	return db
}

// MustQueue connects to the activity queue. It returns nil when the queue is disabled.
func MustQueue(conf *config.Config) *queue.RedisClient {
	if !conf.Queue.Enabled {
		return nil
	}
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return redis
}

// resources are the connections a long-running process holds on to
type resources struct {
	db     *sqlx.DB
	redis  *queue.RedisClient
	engine *engine.Engine
}

func mustEngine(conf *config.Config) *resources {
	db := MustDatabase(conf)
	redis := MustQueue(conf)

	var q queue.Client
	if redis != nil {
		q = redis
	}
	return &resources{
		db:     db,
		redis:  redis,
		engine: engine.New(conf, store.NewPostgresStore(db), q),
	}
}

func (r *resources) Close() {
	if err := r.db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}

	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
		}
	}
}
