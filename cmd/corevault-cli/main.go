// Command corevault-cli is the thin, core-touching command-line surface
// spec §6 describes: init, show, listobj, verify, refcount, purgeobj,
// commit, pull, gc. It wires directly to internal/repo's engine and does
// not itself parse a dotfile config, run a sync daemon, or speak any
// transport beyond what pull needs to reach a peer — those stay separate
// collaborators (SPEC_FULL.md §5's Non-goals for this package).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/repo"
)

func main() {
	if err := buildApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "corevault-cli:", err)
		os.Exit(1)
	}
}

// buildApp assembles the CLI's command tree. Split out from main so tests
// can drive the same app.Run path main does, rather than re-implementing
// flag/argument dispatch.
func buildApp() *cli.App {
	return &cli.App{
		Name:                 "corevault-cli",
		Usage:                "inspect and operate a corevault repository",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Aliases: []string{"C"},
				Usage:   "repository root directory",
				Value:   ".",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML engine config overriding the built-in defaults",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
				Value: "info",
			},
		},
		Before: func(c *cli.Context) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: parseLevel(c.String("log-level")),
			})))
			return nil
		},
		Commands: []*cli.Command{
			initCommand,
			showCommand,
			listobjCommand,
			verifyCommand,
			refcountCommand,
			purgeobjCommand,
			commitCommand,
			pullCommand,
			gcCommand,
		},
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig builds the engine configuration a command should open its
// repository with: built-in defaults, optionally overridden by the
// --config YAML file.
func loadConfig(c *cli.Context) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// openLocked opens the repository named by --repo, acquires its
// process-level lock, and returns a cleanup func that unlocks and closes
// it. Every subcommand but init goes through this, matching the
// repo-outermost lock ordering spec §5 describes.
func openLocked(c *cli.Context) (*repo.Repository, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	r, err := repo.Open(c.String("repo"), cfg, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("open repository: %w", err)
	}
	if err := r.Lock(); err != nil {
		r.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := r.Unlock(); err != nil {
			slog.Default().Warn("corevault-cli: unlock repository", "error", err)
		}
		if err := r.Close(); err != nil {
			slog.Default().Warn("corevault-cli: close repository", "error", err)
		}
	}
	return r, cleanup, nil
}
