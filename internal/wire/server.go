package wire

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/orivault/corevault/internal/repo"
	"github.com/orivault/corevault/pkg/errors"
)

var _ repo.Repo = (*Client)(nil)

// Server serves one repo.Repo over a connection, one request at a time.
// Grounded on the original SshRepo/HttpRepo command dispatch ("show",
// "readobj", "listobj"), generalized to a typed request/response envelope.
type Server struct {
	repo   repo.Repo
	logger *slog.Logger
}

// NewServer returns a Server backed by r.
func NewServer(r repo.Repo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{repo: r, logger: logger}
}

// Serve reads and dispatches requests from conn until it returns io.EOF or
// a framing error. It does not close conn.
func (s *Server) Serve(conn io.ReadWriter) error {
	for {
		var req request
		if err := readFrame(conn, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wire: server read: %w", err)
		}
		resp := s.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			return fmt.Errorf("wire: server write: %w", err)
		}
	}
}

func errResponse(err error) response {
	return response{OK: false, Error: err.Error()}
}

func (s *Server) dispatch(req request) response {
	switch req.Op {
	case OpHello:
		return response{OK: true, ProtocolVersion: ProtocolVersion}

	case OpGetFSID:
		return response{OK: true, UUID: s.repo.ID()}

	case OpGetHead:
		head, err := s.repo.GetHead()
		if err != nil {
			return errResponse(err)
		}
		return response{OK: true, Head: head}

	case OpHasObject:
		return response{OK: true, Exists: s.repo.HasObject(req.Hash)}

	case OpGetObjectInfo:
		info, err := s.repo.GetObjectInfo(req.Hash)
		if err != nil {
			return errResponse(err)
		}
		return response{OK: true, Info: &info}

	case OpListObjects:
		return response{OK: true, Infos: s.repo.ListObjects()}

	case OpListCommits:
		return response{OK: true, Commits: s.repo.ListCommits()}

	case OpReadObjects:
		objs := make([]Object, 0, len(req.Hashes))
		for _, h := range req.Hashes {
			info, framed, err := s.repo.GetFramedPayload(h)
			if err != nil {
				return errResponse(err)
			}
			objs = append(objs, Object{Info: info, Payload: framed})
		}
		return response{OK: true, Objects: objs}

	case OpWriteObjects:
		for _, o := range req.Objects {
			if err := s.repo.PutFramedPayload(o.Info, o.Payload); err != nil {
				return errResponse(err)
			}
		}
		return response{OK: true}

	default:
		s.logger.Warn("wire: unknown command", "op", req.Op)
		err := errors.NewError(errors.ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Op)).
			WithComponent("wire").WithOperation("dispatch")
		return errResponse(err)
	}
}
