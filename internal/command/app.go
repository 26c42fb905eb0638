package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"stagehand/host/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// StatusQuery describes one `stagehand status` invocation.
type StatusQuery struct {
	SessionID string
	Wait      bool
	Timeout   time.Duration
}

type Deps struct {
	LoadConfig func() config.Config
	RunServe   func(context.Context, config.Config) error
	RunStatus  func(context.Context, config.Config, StatusQuery) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:    "stagehand",
		Usage:   "file-driven live UI host",
		Version: Version,
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "watch the workspace and serve sessions",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps, loadConfig(deps))
				},
			},
			{
				Name:      "status",
				Usage:     "query validation status of a session",
				ArgsUsage: "<session-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "block until the pending validation completes",
					},
					&cli.IntFlag{
						Name:  "timeout-ms",
						Usage: "wait timeout in milliseconds",
					},
				},
				Action: func(ctx *cli.Context) error {
					id := ctx.Args().First()
					if id == "" {
						return errors.New("status requires a session id")
					}
					q := StatusQuery{
						SessionID: id,
						Wait:      ctx.Bool("wait"),
						Timeout:   time.Duration(ctx.Int("timeout-ms")) * time.Millisecond,
					}
					return runStatus(ctx.Context, deps, loadConfig(deps), q)
				},
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx *cli.Context) error {
					fmt.Fprintln(ctx.App.Writer, Version)
					return nil
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runStatus(ctx context.Context, deps Deps, cfg config.Config, q StatusQuery) error {
	if deps.RunStatus == nil {
		return errors.New("status runner is not configured")
	}
	return deps.RunStatus(ctx, cfg, q)
}
