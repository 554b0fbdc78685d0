package main

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/urfave/cli/v2"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/remote/s3remote"
	"github.com/orivault/corevault/internal/repo"
	"github.com/orivault/corevault/internal/wire"
	coreerrors "github.com/orivault/corevault/pkg/errors"
	"github.com/orivault/corevault/pkg/retry"
)

var pullCommand = &cli.Command{
	Name:      "pull",
	Usage:     "copy every object reachable from a peer's HEAD that this repository lacks",
	ArgsUsage: "<url>",
	Action: func(c *cli.Context) error {
		target := c.Args().First()
		if target == "" {
			return cli.Exit("pull: a peer url is required", 1)
		}

		r, cleanup, err := openLocked(c)
		if err != nil {
			return err
		}
		defer cleanup()

		peer, peerCleanup, err := dialPeer(c.Context, target)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		defer peerCleanup()

		copied, err := r.Pull(peer)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		fmt.Printf("pulled %d object(s) from %s\n", copied, target)
		return nil
	},
}

// dialPeer resolves target to a repo.Repo peer: a bare filesystem path
// opens the peer directly as a second local Repository, "tcp://host:port"
// dials the wire protocol's stream codec, and "s3://bucket/prefix" opens
// an S3-backed mirror. Transport carrier selection beyond these three
// stays outside this core-touching CLI (spec §1's plug-in transports).
func dialPeer(ctx context.Context, target string) (repo.Repo, func(), error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" {
		return dialLocalPeer(target)
	}

	switch u.Scheme {
	case "tcp":
		return dialTCPPeer(u.Host)
	case "s3":
		return dialS3Peer(ctx, u)
	default:
		return nil, nil, fmt.Errorf("unsupported peer scheme %q", u.Scheme)
	}
}

func dialLocalPeer(path string) (repo.Repo, func(), error) {
	peer, err := repo.Open(path, config.NewDefault(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open local peer %s: %w", path, err)
	}
	return peer, func() { peer.Close() }, nil
}

// dialTCPPeer dials and handshakes with hostport, retrying a transient
// connection failure (peer not listening yet, a momentary network blip)
// with backoff before giving up.
func dialTCPPeer(hostport string) (repo.Repo, func(), error) {
	var conn net.Conn
	var peer *wire.Client
	err := retry.New(retry.DefaultConfig()).Do(func() error {
		c, dialErr := net.Dial("tcp", hostport)
		if dialErr != nil {
			return coreerrors.NewError(coreerrors.ErrCodeIO, dialErr.Error()).
				WithComponent("cli").WithOperation("dial").WithCause(dialErr)
		}
		p, handshakeErr := wire.Dial(c)
		if handshakeErr != nil {
			c.Close()
			return fmt.Errorf("handshake with %s: %w", hostport, handshakeErr)
		}
		conn, peer = c, p
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", hostport, err)
	}
	return peer, func() { conn.Close() }, nil
}

func dialS3Peer(ctx context.Context, u *url.URL) (repo.Repo, func(), error) {
	cfg := s3remote.NewDefaultConfig(u.Host)
	if prefix := trimLeadingSlash(u.Path); prefix != "" {
		cfg.Prefix = prefix
	}
	peer, err := s3remote.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open s3 peer %s: %w", u.String(), err)
	}
	return peer, func() { peer.Close() }, nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}
