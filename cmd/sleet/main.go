package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sleetbt/sleet/internal/session"
)

var logger *zap.Logger

var app = &cli.App{
	Name:        "sleet",
	Usage:       "Fetch and seed torrents from the command line.",
	Description: "A swarm-first BitTorrent client: downloads the pieces of a metafile from its swarm while serving the pieces it already holds",
	Before: func(ctx *cli.Context) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

		if ctx.Bool("debug") {
			config = zap.NewDevelopmentConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}

		built, err := config.Build()

		if err != nil {
			return err
		}

		logger = built
		zap.ReplaceGlobals(built)

		return nil
	},
	Commands: []*cli.Command{
		{
			Name:  "download",
			Usage: "downloads a single torrent from the user-provided source",
			Action: func(ctx *cli.Context) error {
				defer logger.Sync()

				sesh := session.NewSession(session.Opts{
					Logger:    logger,
					OutputDir: ctx.String("output-dir"),
					Port:      uint16(ctx.Uint("port")),
				})

				if _, err := sesh.AddTorrent(ctx.String("torrent")); err != nil {
					return err
				}

				if err := sesh.Listen(); err != nil {
					return err
				}

				sigC := make(chan os.Signal, 1)
				signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

				<-sigC
				logger.Info("shutting down")

				return sesh.Stop()
			},
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "output-dir",
					Aliases: []string{"o"},
					Usage:   "destination directory where downloaded torrent files will be saved",
					Value:   ".",
				},
				&cli.StringFlag{
					Name:     "torrent",
					Aliases:  []string{"t"},
					Usage:    "torrent file or URL",
					Required: true,
				},
				&cli.UintFlag{
					Name:    "port",
					Aliases: []string{"p"},
					Usage:   "TCP port to accept peer connections on",
					Value:   6881,
				},
			},
		},
	},
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "enable debug logging output for troubleshooting and development",
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
