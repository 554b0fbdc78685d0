package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/orivault/corevault/internal/hash"
)

var purgeobjCommand = &cli.Command{
	Name:      "purgeobj",
	Usage:     "mark a Blob object for physical removal on the next gc",
	ArgsUsage: "<hash>",
	Action: func(c *cli.Context) error {
		arg := c.Args().First()
		if arg == "" {
			return cli.Exit("purgeobj: a hash argument is required", 1)
		}
		h, err := hash.FromHex(arg)
		if err != nil {
			return fmt.Errorf("purgeobj: %w", err)
		}

		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := r.PurgeObject(h); err != nil {
			return fmt.Errorf("purgeobj: %w", err)
		}
		fmt.Printf("marked %s for purge\n", h)
		return nil
	},
}
