package config

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a Config instance from a cobra command object. The configuration is
// validated and the global log level is applied. It exits the process if any errors are raised.
func FromCobraCmd(cmd *cobra.Command) *Config {
	var flags *pflag.FlagSet
	if cmd.Name() == "taskengine" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var conf *Config
	var err error
	if flag := flags.Lookup("config"); flag != nil && flag.Changed {
		fileLoc, flagErr := flags.GetString("config")
		if flagErr != nil {
			log.Fatal().Err(flagErr).Msg("Could not get file location")
		}
		conf, err = LoadConfig(fileLoc)
	} else {
		conf, err = LoadConfig()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config file")
	}

	if err := conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration is invalid")
	}

	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("log_level", conf.LogLevel).Msg("Unknown log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return conf
}
