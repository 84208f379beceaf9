package rexd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ignoreNewChannels rejects every further channel a client tries
// to open; a connection gets exactly one session channel, ever.
//
func ignoreNewChannels(in <-chan ssh.NewChannel) {
	for ch := range in {
		ch.Reject(ssh.Prohibited, fmt.Sprintf("no more %s channels on this connection", ch.ChannelType()))
	}
}

// ignoreGlobalRequests refuses whatever connection-level requests
// the client sends our way (keepalives, tcpip-forward, etc.).
//
func ignoreGlobalRequests(ch <-chan *ssh.Request) {
	for r := range ch {
		r.Reply(false, nil)
	}
}

// exited packs a process exit code the way the exit-status channel
// request wants it: a big-endian uint32.
//
func exited(rc int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(rc))
	return b
}
