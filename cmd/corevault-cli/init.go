package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/orivault/corevault/internal/repo"
)

var initCommand = &cli.Command{
	Name:      "init",
	Usage:     "create a new repository layout",
	ArgsUsage: "[path]",
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			path = "."
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if err := repo.Init(path, cfg); err != nil {
			return fmt.Errorf("init %s: %w", path, err)
		}
		fmt.Printf("initialized empty corevault repository in %s\n", path)
		return nil
	},
}
