package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"
)

var listobjCommand = &cli.Command{
	Name:  "listobj",
	Usage: "list every object in the repository's catalog",
	Action: func(c *cli.Context) error {
		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		infos := r.ListObjects()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Hash.Less(infos[j].Hash) })
		for _, info := range infos {
			fmt.Printf("%s %-9s %d\n", info.Hash, info.Type, info.PayloadSize)
		}
		fmt.Printf("%d object(s)\n", len(infos))
		return nil
	},
}
