// Package wire implements corevault's network object-transfer protocol: a
// length-prefixed msgpack request/response framing carrying the commands a
// remote peer needs to serve (and consume) the internal/repo.Repo facade —
// hello, get the filesystem id, get HEAD, list objects/commits, fetch an
// object's descriptor, and bulk read/write framed payloads.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
)

// ProtocolVersion is exchanged during hello; a peer speaking a different
// version is rejected with ErrCodePeerVersionSkew rather than risk a
// silent wire-format mismatch.
const ProtocolVersion = "corevault-wire-1"

// Op names the requested command.
type Op string

const (
	OpHello          Op = "hello"
	OpGetFSID        Op = "get_fsid"
	OpGetHead        Op = "get_head"
	OpHasObject      Op = "has_object"
	OpGetObjectInfo  Op = "get_object_info"
	OpListObjects    Op = "list_objects"
	OpListCommits    Op = "list_commits"
	OpReadObjects    Op = "read_objects"
	OpWriteObjects   Op = "write_objects"
)

// maxFrameSize bounds a single frame so a corrupt or malicious peer can't
// make a reader allocate without limit.
const maxFrameSize = 256 * 1024 * 1024

// Object is one object's descriptor plus its still codec-framed (possibly
// compressed) payload, as carried by read_objects/write_objects.
type Object struct {
	Info    objtype.ObjectInfo
	Payload []byte
}

// request is the client->server envelope. Only the fields relevant to Op
// are meaningful; the rest are left zero.
type request struct {
	Op      Op
	Hash    hash.ObjectHash   `msgpack:",omitempty"`
	Hashes  []hash.ObjectHash `msgpack:",omitempty"`
	Objects []Object          `msgpack:",omitempty"`
}

// response is the server->client envelope.
type response struct {
	OK    bool
	Error string `msgpack:",omitempty"`

	ProtocolVersion string            `msgpack:",omitempty"`
	UUID            string            `msgpack:",omitempty"`
	Head            hash.ObjectHash   `msgpack:",omitempty"`
	Exists          bool              `msgpack:",omitempty"`
	Info            *objtype.ObjectInfo `msgpack:",omitempty"`
	Infos           []objtype.ObjectInfo `msgpack:",omitempty"`
	Commits         []hash.ObjectHash `msgpack:",omitempty"`
	Objects         []Object          `msgpack:",omitempty"`
}

// writeFrame marshals v and writes it as a length-prefixed msgpack frame.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed msgpack frame into v.
func readFrame(r io.Reader, v interface{}) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	if n > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wire: read frame body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return nil
}
