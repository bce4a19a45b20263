package main

import (
	"context"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/db/sqlite"
	"github.com/iamwavecut/ngguard/internal/infra"
	"github.com/iamwavecut/ngguard/internal/settings"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("ngguardctl failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ngguardctl",
		Usage: "offline maintenance for the ngguard database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dot-path",
				Usage:   "directory holding the database",
				Value:   "~/.ngguard",
				EnvVars: []string{"NG_DOT_PATH"},
			},
			&cli.StringFlag{
				Name:    "db-file",
				Usage:   "database file name",
				Value:   "ngguard.db",
				EnvVars: []string{"NG_DB_FILE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "zerolog level",
				Value:   "info",
				EnvVars: []string{"NGGUARDCTL_LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			level, err := zerolog.ParseLevel(cctx.String("log-level"))
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			violatorsCommand(),
			rulesCommand(),
			jobsCommand(),
			auditCommand(),
			blacklistCommand(),
			antispamCommand(),
			bundleCommand(),
		},
	}
}

// openStore opens the database named by the global flags. Migrations run on open.
func openStore(cctx *cli.Context) (db.Client, error) {
	dotPath, err := homedir.Expand(cctx.String("dot-path"))
	if err != nil {
		return nil, err
	}
	dir, err := infra.EnsureDir(dotPath)
	if err != nil {
		return nil, err
	}
	client, err := sqlite.NewSQLiteClient(cctx.Context, dir, cctx.String("db-file"))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// withStore runs f against an open store and closes it afterwards.
func withStore(f func(ctx context.Context, store db.Client, cctx *cli.Context) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		store, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("close store")
			}
		}()
		return f(cctx.Context, store, cctx)
	}
}

func settingsService(store db.SettingsStore) *settings.Service {
	return settings.NewService(store, 16, time.Minute)
}
