package packfile

import (
	"fmt"
	"os"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
)

// Purge removes every object whose hash is in purged from p, streaming
// survivors group-by-group into a temporary replacement file and renaming it
// over the original. It reports the new IndexEntry for each survivor (their
// offsets necessarily change) and whether the resulting packfile is empty.
func (p *Packfile) Purge(purged map[hash.ObjectHash]struct{}, cfg config.PackfileConfig) ([]IndexEntry, bool, error) {
	tmpPath := p.path + ".tmp"
	os.Remove(tmpPath)
	tmp, err := Create(tmpPath, p.id)
	if err != nil {
		return nil, false, fmt.Errorf("packfile: purge create temp: %w", err)
	}

	var survivors []IndexEntry
	txn := NewTransaction(cfg)

	flush := func() error {
		if txn.Len() == 0 {
			return nil
		}
		entries, err := txn.Commit(tmp)
		if err != nil {
			return err
		}
		survivors = append(survivors, entries...)
		return nil
	}

	scanErr := p.ReadEntries(func(info objtype.ObjectInfo, offset, packedSize uint32) error {
		if _, dead := purged[info.Hash]; dead {
			return nil
		}
		payload, err := p.GetPayload(offset, packedSize)
		if err != nil {
			return err
		}
		if txn.Full() {
			if err := flush(); err != nil {
				return err
			}
		}
		txn.AddPayload(info, payload)
		return nil
	})
	if scanErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, false, fmt.Errorf("packfile: purge scan %s: %w", p.path, scanErr)
	}
	if err := flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, false, fmt.Errorf("packfile: purge final flush: %w", err)
	}

	empty := tmp.Size() == 0

	p.mu.Lock()
	if err := p.f.Close(); err != nil {
		p.mu.Unlock()
		tmp.Close()
		return nil, false, fmt.Errorf("packfile: purge close original: %w", err)
	}
	if err := tmp.Close(); err != nil {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("packfile: purge close temp: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("packfile: purge rename %s over %s: %w", tmpPath, p.path, err)
	}
	p.mu.Unlock()

	reopened, err := Open(p.path, p.id)
	if err != nil {
		return nil, false, fmt.Errorf("packfile: purge reopen: %w", err)
	}
	p.mu.Lock()
	p.f = reopened.f
	p.size = reopened.size
	p.mu.Unlock()

	return survivors, empty, nil
}
