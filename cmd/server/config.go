package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/buzzroom/buzzroom-backend/internal/engine"
)

type Config struct {
	bind             string
	port             int
	origins          []string
	minPlayers       int
	maxSeats         int
	gameLength       time.Duration
	roundWindow      time.Duration
	resolutionWindow time.Duration
	devLogging       bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxSeats < 1 {
		return fmt.Errorf("invalid max-seats: %d", c.maxSeats)
	}
	if c.minPlayers < 2 || c.minPlayers > c.maxSeats+1 {
		return fmt.Errorf("min-players must be between 2 and max-seats+1, got %d", c.minPlayers)
	}
	if c.gameLength <= 0 || c.roundWindow <= 0 || c.resolutionWindow <= 0 {
		return fmt.Errorf("game-length, round-window and resolution-window must all be positive")
	}
	return nil
}

func (c *Config) rules() engine.Rules {
	return engine.Rules{
		MinPlayers:       c.minPlayers,
		MaxSeats:         c.maxSeats,
		GameLength:       c.gameLength,
		RoundWindow:      c.roundWindow,
		ResolutionWindow: c.resolutionWindow,
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BUZZROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "buzzroom-server",
		Short:         "Authoritative lobby server for the buzzroom party game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	defaults := engine.DefaultRules()
	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: BUZZROOM_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: BUZZROOM_PORT)")
	fs.StringSliceVar(&cfg.origins, "origins", []string{"*"}, "allowed websocket/CORS origins (env: BUZZROOM_ORIGINS)")
	fs.IntVar(&cfg.minPlayers, "min-players", defaults.MinPlayers, "participants required to start a game (env: BUZZROOM_MIN_PLAYERS)")
	fs.IntVar(&cfg.maxSeats, "max-seats", defaults.MaxSeats, "seat positions per lobby (env: BUZZROOM_MAX_SEATS)")
	fs.DurationVar(&cfg.gameLength, "game-length", defaults.GameLength, "wall-clock length of one game (env: BUZZROOM_GAME_LENGTH)")
	fs.DurationVar(&cfg.roundWindow, "round-window", defaults.RoundWindow, "time players have to buzz once a round opens (env: BUZZROOM_ROUND_WINDOW)")
	fs.DurationVar(&cfg.resolutionWindow, "resolution-window", defaults.ResolutionWindow, "time a buzz holds the round before it resets (env: BUZZROOM_RESOLUTION_WINDOW)")
	fs.BoolVar(&cfg.devLogging, "dev-logging", false, "human-readable logs instead of JSON (env: BUZZROOM_DEV_LOGGING)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}
