package rexd

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/jhunt/go-log"
	"golang.org/x/crypto/ssh"
)

// A policy carries the shell/exec negotiation state of a single
// session channel: whether a shell or exec request has landed yet
// (ready), and the decoded exec command line if one did.
//
// ready is monotonic.  Whichever of shell/exec arrives first wins;
// later ones are accepted without further effect.
//
type policy struct {
	codec *Codec

	once    sync.Once
	ready   chan struct{}
	command string
	isExec  bool
}

func newPolicy(codec *Codec) *policy {
	return &policy{
		codec: codec,
		ready: make(chan struct{}),
	}
}

// markShell records a shell request.  Returns true if this was the
// request that made the session ready.
//
func (p *policy) markShell() bool {
	won := false
	p.once.Do(func() {
		won = true
		close(p.ready)
	})
	return won
}

// markExec records an exec request and its decoded command line.
// Returns true if this was the request that made the session
// ready.
//
func (p *policy) markExec(command string) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.command = command
		p.isExec = true
		close(p.ready)
	})
	return won
}

// parsed returns the Command variant this policy negotiated.  Only
// meaningful once ready has fired.
//
func (p *policy) parsed() Command {
	return ParseCommand(p.command, p.isExec)
}

// sshConfig builds the transport-level authentication policy:
// publickey only; only for the configured username; and only for
// keys byte-equal (by serialized key blob) to one of the
// authorized keys.
//
func (s *Server) sshConfig() *ssh.ServerConfig {
	ck := &ssh.CertChecker{
		IsUserAuthority: func(key ssh.PublicKey) bool {
			return false
		},

		UserKeyFallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() != s.Username {
				log.Debugf("[auth] rejecting user '%s' (not the configured user)", c.User())
				return nil, fmt.Errorf("unknown user")
			}
			if !s.authorizedKey(key) {
				log.Debugf("[auth] rejecting %s key %s for user '%s'", key.Type(), ssh.FingerprintSHA256(key), c.User())
				return nil, fmt.Errorf("unknown public key")
			}
			return nil, nil
		},
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: ck.Authenticate,
	}
	for _, key := range s.HostKeys {
		config.AddHostKey(key)
	}

	return config
}

func (s *Server) authorizedKey(key ssh.PublicKey) bool {
	blob := key.Marshal()
	for _, k := range s.AuthorizedKeys {
		if bytes.Equal(k.Marshal(), blob) {
			return true
		}
	}
	return false
}
