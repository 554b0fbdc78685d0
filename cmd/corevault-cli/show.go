package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

var showCommand = &cli.Command{
	Name:  "show",
	Usage: "print HEAD's commit",
	Action: func(c *cli.Context) error {
		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		head, err := r.GetHead()
		if err != nil {
			return err
		}
		if head.IsEmpty() {
			fmt.Println("HEAD is empty (no commits yet)")
			return nil
		}

		commit, err := r.GetCommit(head)
		if err != nil {
			return fmt.Errorf("show: decode HEAD commit: %w", err)
		}

		fmt.Printf("commit %s\n", head)
		fmt.Printf("Author:  %s\n", commit.User)
		fmt.Printf("Date:    %s\n", time.Unix(int64(commit.Timestamp), 0).UTC())
		if commit.IsMerge() {
			fmt.Printf("Parents: %s %s\n", commit.Parent1, commit.Parent2)
		} else if !commit.IsRoot() {
			fmt.Printf("Parent:  %s\n", commit.Parent1)
		}
		fmt.Printf("Tree:    %s\n", commit.Tree)
		if commit.SnapshotName != "" {
			fmt.Printf("Snapshot: %s\n", commit.SnapshotName)
		}
		fmt.Printf("\n    %s\n", commit.Message)
		return nil
	},
}
