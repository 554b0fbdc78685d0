package wire

import (
	"fmt"
	"io"
	"sync"

	"github.com/orivault/corevault/internal/codec"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/pkg/errors"
)

// Client implements repo.Repo against a peer reached over conn (typically
// a net.Conn dialed by a caller in internal/remote or cmd/corevault-cli;
// this package stays transport-agnostic and only needs a ReadWriter).
type Client struct {
	mu   sync.Mutex
	conn io.ReadWriter
	id   string
}

// Dial performs the hello/get_fsid handshake over conn and returns a ready
// Client, or ErrCodePeerVersionSkew if the peer speaks a different wire
// protocol version.
func Dial(conn io.ReadWriter) (*Client, error) {
	c := &Client{conn: conn}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	resp, err := c.call(request{Op: OpHello})
	if err != nil {
		return fmt.Errorf("wire: hello: %w", err)
	}
	if resp.ProtocolVersion != ProtocolVersion {
		return errors.NewError(errors.ErrCodePeerVersionSkew,
			fmt.Sprintf("peer speaks protocol %q, want %q", resp.ProtocolVersion, ProtocolVersion)).
			WithComponent("wire").WithOperation("handshake")
	}
	idResp, err := c.call(request{Op: OpGetFSID})
	if err != nil {
		return fmt.Errorf("wire: get_fsid: %w", err)
	}
	c.id = idResp.UUID
	return nil
}

func (c *Client) call(req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, req); err != nil {
		return response{}, err
	}
	var resp response
	if err := readFrame(c.conn, &resp); err != nil {
		return response{}, err
	}
	if !resp.OK {
		return response{}, errors.NewError(errors.ErrCodeProtocol, resp.Error).
			WithComponent("wire").WithOperation(string(req.Op))
	}
	return resp, nil
}

// ID returns the cached filesystem id fetched at Dial time.
func (c *Client) ID() string { return c.id }

// GetHead fetches HEAD from the peer.
func (c *Client) GetHead() (hash.ObjectHash, error) {
	resp, err := c.call(request{Op: OpGetHead})
	if err != nil {
		return hash.Empty, err
	}
	return resp.Head, nil
}

// HasObject reports whether the peer has h, treating a transport failure
// as "no" rather than propagating an error — matching the no-error
// HasObject signature every Repo implementation shares.
func (c *Client) HasObject(h hash.ObjectHash) bool {
	resp, err := c.call(request{Op: OpHasObject, Hash: h})
	if err != nil {
		return false
	}
	return resp.Exists
}

// GetObjectInfo fetches h's catalog entry from the peer.
func (c *Client) GetObjectInfo(h hash.ObjectHash) (objtype.ObjectInfo, error) {
	resp, err := c.call(request{Op: OpGetObjectInfo, Hash: h})
	if err != nil {
		return objtype.ObjectInfo{}, err
	}
	if resp.Info == nil {
		return objtype.ObjectInfo{}, errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("object %s not found", h)).
			WithComponent("wire").WithOperation("get_object_info")
	}
	return *resp.Info, nil
}

// ListObjects fetches every object's catalog entry from the peer. A
// transport failure is reported as an empty list, matching the no-error
// signature local repositories use.
func (c *Client) ListObjects() []objtype.ObjectInfo {
	resp, err := c.call(request{Op: OpListObjects})
	if err != nil {
		return nil
	}
	return resp.Infos
}

// ListCommits fetches every commit hash from the peer.
func (c *Client) ListCommits() []hash.ObjectHash {
	resp, err := c.call(request{Op: OpListCommits})
	if err != nil {
		return nil
	}
	return resp.Commits
}

// ReadObjects is the batch form of GetFramedPayload, fetching several
// objects in a single round trip — the wire-level shape of the original's
// "readobjs" command.
func (c *Client) ReadObjects(hashes []hash.ObjectHash) ([]Object, error) {
	resp, err := c.call(request{Op: OpReadObjects, Hashes: hashes})
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// GetFramedPayload fetches h's still-encoded payload from the peer.
func (c *Client) GetFramedPayload(h hash.ObjectHash) (objtype.ObjectInfo, []byte, error) {
	objs, err := c.ReadObjects([]hash.ObjectHash{h})
	if err != nil {
		return objtype.ObjectInfo{}, nil, err
	}
	if len(objs) != 1 {
		return objtype.ObjectInfo{}, nil, errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("object %s not found", h)).
			WithComponent("wire").WithOperation("read_objects")
	}
	return objs[0].Info, objs[0].Payload, nil
}

// PutFramedPayload ships an already codec-framed payload to the peer.
func (c *Client) PutFramedPayload(info objtype.ObjectInfo, framed []byte) error {
	_, err := c.call(request{Op: OpWriteObjects, Objects: []Object{{Info: info, Payload: framed}}})
	return err
}

func (c *Client) decodeTyped(h hash.ObjectHash, want objtype.Type) ([]byte, error) {
	info, framed, err := c.GetFramedPayload(h)
	if err != nil {
		return nil, err
	}
	if info.Type != want {
		return nil, errors.NewError(errors.ErrCodeUnknownType,
			fmt.Sprintf("object %s has type %s, want %s", h, info.Type, want)).
			WithComponent("wire")
	}
	_, payload, err := codec.Decode(framed)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// GetCommit fetches and decodes the commit stored at h.
func (c *Client) GetCommit(h hash.ObjectHash) (model.Commit, error) {
	payload, err := c.decodeTyped(h, objtype.Commit)
	if err != nil {
		return model.Commit{}, err
	}
	return model.UnmarshalCommit(payload)
}

// GetTree fetches and decodes the tree stored at h.
func (c *Client) GetTree(h hash.ObjectHash) (*model.Tree, error) {
	payload, err := c.decodeTyped(h, objtype.Tree)
	if err != nil {
		return nil, err
	}
	return model.UnmarshalTree(payload)
}

// GetLargeBlob fetches and decodes the largeblob manifest stored at h.
func (c *Client) GetLargeBlob(h hash.ObjectHash) (model.LargeBlob, error) {
	payload, err := c.decodeTyped(h, objtype.LargeBlob)
	if err != nil {
		return model.LargeBlob{}, err
	}
	return model.UnmarshalLargeBlob(payload)
}
