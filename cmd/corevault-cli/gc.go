package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var gcCommand = &cli.Command{
	Name:  "gc",
	Usage: "reclaim every Blob marked by a prior purgeobj/purgecommit",
	Action: func(c *cli.Context) error {
		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := r.Gc(); err != nil {
			return fmt.Errorf("gc: %w", err)
		}
		fmt.Println("gc complete")
		return nil
	},
}
