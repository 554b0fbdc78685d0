package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/orivault/corevault/internal/hash"
)

var refcountCommand = &cli.Command{
	Name:      "refcount",
	Usage:     "print an object's reference count, or every object's if none is given",
	ArgsUsage: "[hash]",
	Action: func(c *cli.Context) error {
		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		if arg := c.Args().First(); arg != "" {
			h, err := hash.FromHex(arg)
			if err != nil {
				return fmt.Errorf("refcount: %w", err)
			}
			fmt.Printf("%s %d\n", h, r.RefCount(h))
			return nil
		}

		infos := r.ListObjects()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Hash.Less(infos[j].Hash) })
		for _, info := range infos {
			fmt.Printf("%s %d\n", info.Hash, r.RefCount(info.Hash))
		}
		return nil
	},
}
