package packfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
)

// TransmitEntry names one object to ship over the wire: its descriptor plus
// its current location inside this packfile.
type TransmitEntry struct {
	Info       objtype.ObjectInfo
	Offset     uint32
	PackedSize uint32
}

// ReceivedObject is one object reconstructed by Receive, ready to be queued
// into a PfTransaction and committed to a destination packfile.
type ReceivedObject struct {
	Info    objtype.ObjectInfo
	Payload []byte
}

// Transmit writes entries' descriptors followed by their payload bytes to w,
// in ascending offset order, skipping (and not re-sending) any duplicate
// hash. The reference implementation additionally coalesces adjacent/
// overlapping byte ranges into fewer reads before writing; this only
// affects how many os-level reads the sender performs and not the bytes
// placed on the wire, so it is not reproduced here (see DESIGN.md).
func (p *Packfile) Transmit(w io.Writer, entries []TransmitEntry) error {
	sorted := make([]TransmitEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	seen := make(map[hash.ObjectHash]struct{}, len(sorted))
	deduped := sorted[:0:0]
	for _, e := range sorted {
		if _, ok := seen[e.Info.Hash]; ok {
			continue
		}
		seen[e.Info.Hash] = struct{}{}
		deduped = append(deduped, e)
	}

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(deduped)))
	if _, err := w.Write(countBuf); err != nil {
		return fmt.Errorf("packfile: transmit count: %w", err)
	}
	for _, e := range deduped {
		rec := marshalEntry(entryRecord{Info: e.Info, PackedSize: e.PackedSize, Offset: e.Offset})
		if _, err := w.Write(rec); err != nil {
			return fmt.Errorf("packfile: transmit header: %w", err)
		}
	}
	for _, e := range deduped {
		payload, err := p.GetPayload(e.Offset, e.PackedSize)
		if err != nil {
			return fmt.Errorf("packfile: transmit payload for %s: %w", e.Info.Hash, err)
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("packfile: transmit payload: %w", err)
		}
	}
	return nil
}

// Receive reads the wire form Transmit produces and returns each object's
// descriptor with its raw (still codec-framed) payload bytes. The caller
// queues the results into a PfTransaction and commits them to a local
// packfile, which assigns fresh local offsets and produces IndexEntry values
// for the index to apply.
func Receive(r io.Reader) ([]ReceivedObject, error) {
	countBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, countBuf); err != nil {
		return nil, fmt.Errorf("packfile: receive count: %w", err)
	}
	count := binary.LittleEndian.Uint32(countBuf)

	records := make([]entryRecord, count)
	for i := range records {
		buf := make([]byte, EntrySize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("packfile: receive header %d: %w", i, err)
		}
		e, err := unmarshalEntry(buf)
		if err != nil {
			return nil, err
		}
		records[i] = e
	}

	out := make([]ReceivedObject, count)
	for i, e := range records {
		payload := make([]byte, e.PackedSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("packfile: receive payload %d: %w", i, err)
		}
		out[i] = ReceivedObject{Info: e.Info, Payload: payload}
	}
	return out, nil
}
