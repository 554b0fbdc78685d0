package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/internal/repo"
)

var commitCommand = &cli.Command{
	Name:  "commit",
	Usage: "snapshot a directory and advance HEAD",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Required: true, Usage: "commit message"},
		&cli.StringFlag{Name: "dir", Value: ".", Usage: "directory to snapshot"},
		&cli.StringFlag{Name: "user", Usage: "commit author; defaults to the OS user"},
	},
	Action: func(c *cli.Context) error {
		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		username := c.String("user")
		if username == "" {
			username = currentUsername()
		}

		root, err := snapshotDir(r, c.String("dir"))
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		commitID, err := r.CommitFromTree(root, username, c.String("message"), uint64(time.Now().Unix()))
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		fmt.Println(commitID)
		return nil
	},
}

// snapshotDir walks dir bottom-up, storing every regular file via AddFile
// and every directory as a freshly built Tree, mirroring the attrs an
// overlay checkpoint (internal/overlay's Snapshot) would record for the
// same files — this command is the non-FUSE path to the same tree shape.
func snapshotDir(r *repo.Repository, dir string) (hash.ObjectHash, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return hash.Empty, fmt.Errorf("read dir %s: %w", dir, err)
	}

	tree := model.NewTree()
	for _, e := range entries {
		childPath := filepath.Join(dir, e.Name())
		fi, err := os.Lstat(childPath)
		if err != nil {
			return hash.Empty, fmt.Errorf("stat %s: %w", childPath, err)
		}

		entry := model.TreeEntry{
			Name:  e.Name(),
			Attrs: attrsFromFileInfo(fi),
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(childPath)
			if err != nil {
				return hash.Empty, fmt.Errorf("readlink %s: %w", childPath, err)
			}
			h, err := r.AddBlob([]byte(target))
			if err != nil {
				return hash.Empty, err
			}
			entry.Type = model.EntrySymlink
			entry.Hash = h
			entry.Attrs[model.AttrSymlink] = target
		case fi.IsDir():
			h, err := snapshotDir(r, childPath)
			if err != nil {
				return hash.Empty, err
			}
			entry.Type = model.EntryTree
			entry.Hash = h
		default:
			data, err := os.ReadFile(childPath)
			if err != nil {
				return hash.Empty, fmt.Errorf("read %s: %w", childPath, err)
			}
			h, typ, err := r.AddFile(data)
			if err != nil {
				return hash.Empty, err
			}
			if typ == objtype.LargeBlob {
				entry.Type = model.EntryLargeBlob
				entry.LargeHash = h
			} else {
				entry.Type = model.EntryBlob
				entry.Hash = h
			}
		}
		tree.Add(entry)
	}

	return r.AddTree(tree)
}

func attrsFromFileInfo(fi os.FileInfo) map[string]string {
	return map[string]string{
		model.AttrPerms:     strconv.FormatUint(uint64(fi.Mode().Perm()), 8),
		model.AttrUsername:  currentUsername(),
		model.AttrGroupname: currentGroupname(),
		model.AttrFilesize:  strconv.FormatInt(fi.Size(), 10),
		model.AttrMtime:     strconv.FormatInt(fi.ModTime().Unix(), 10),
		model.AttrCtime:     strconv.FormatInt(fi.ModTime().Unix(), 10),
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func currentGroupname() string {
	if u, err := user.Current(); err == nil {
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			return g.Name
		}
	}
	return "unknown"
}
