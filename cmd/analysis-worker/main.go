package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/Lllllllleong/docanalysis/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Setup()

	envFlag := &cli.StringFlag{Name: "env", Usage: "path to an env file", Value: ".env"}
	idFlag := &cli.StringFlag{Name: "id", Usage: "workflow ID", Required: true}

	app := &cli.Command{
		Name:  "analysis-worker",
		Usage: "construction document analysis pipeline",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll the task queue and run analysis workflows",
				Flags:  []cli.Flag{envFlag},
				Action: runAction,
			},
			{
				Name:  "submit",
				Usage: "start an analysis run",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "source", Usage: "gs:// or https:// URL of the document", Required: true},
					&cli.StringFlag{Name: "file", Usage: "display file name; defaults to the last path element of source"},
					&cli.StringFlag{Name: "user", Usage: "user to notify", Value: "cli"},
					&cli.StringFlag{Name: "type", Usage: "document, code, data, image or auto", Value: "auto"},
					&cli.BoolFlag{Name: "summary", Usage: "generate a summary", Value: true},
					&cli.BoolFlag{Name: "keep-images", Usage: "keep rendered page images"},
					&cli.BoolFlag{Name: "wait", Usage: "wait for the result and print it"},
				},
				Action: submitAction,
			},
			{
				Name:   "status",
				Usage:  "print the status of a run",
				Flags:  []cli.Flag{envFlag, idFlag},
				Action: statusAction,
			},
			{
				Name:   "cancel",
				Usage:  "cancel a run at its next step boundary",
				Flags:  []cli.Flag{envFlag, idFlag},
				Action: cancelAction,
			},
			{
				Name:  "prune-cache",
				Usage: "delete cached sources older than max-age",
				Flags: []cli.Flag{
					envFlag,
					&cli.DurationFlag{Name: "max-age", Usage: "minimum age of entries to delete", Value: 24 * time.Hour},
				},
				Action: pruneCacheAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
