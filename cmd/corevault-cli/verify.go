package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"
)

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "re-derive every stored object's hash and check structural invariants",
	Action: func(c *cli.Context) error {
		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		infos := r.ListObjects()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Hash.Less(infos[j].Hash) })

		var failed int
		for _, info := range infos {
			if err := r.VerifyObject(info.Hash); err != nil {
				failed++
				fmt.Printf("FAIL %s: %v\n", info.Hash, err)
			}
		}
		fmt.Printf("%d of %d object(s) failed verification\n", failed, len(infos))
		if failed > 0 {
			return fmt.Errorf("verify: %d object(s) failed", failed)
		}
		return nil
	},
}
