package rexd

import (
	"io"

	"github.com/jhunt/go-log"
)

// Chunk sizes for the two forwarding directions.  channel->child
// favors throughput; child->channel reads one byte at a time, so
// that interactive output is never held back waiting for a buffer
// to fill.
const (
	channelChunk = 512
	processChunk = 1
)

// pumpChannel is the channel->child forwarder: it copies channel
// bytes into the child's stdin, and closes stdin when the channel
// hits EOF (or fails), so the child sees end-of-input.
//
// Run it in a goroutine; it closes s.chanDone on the way out.
//
func (s *Session) pumpChannel(stdin io.WriteCloser) {
	defer close(s.chanDone)
	defer stdin.Close()

	buf := make([]byte, channelChunk)
	for {
		n, err := s.channel.Read(buf)
		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				log.Debugf("[%s] stdin write failed: %s", s.name, werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("[%s] channel read failed: %s", s.name, err)
			}
			return
		}
	}
}

// pumpProcess is the child->channel forwarder: it copies the
// child's merged stdout+stderr out to the channel.  It never
// closes the channel -- that is the Session's job, and only after
// the exit status has been sent.
//
// Run it in a goroutine; it closes s.procDone on the way out.
//
func (s *Session) pumpProcess(stdout io.Reader) {
	defer close(s.procDone)

	buf := make([]byte, processChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := s.channel.Write(buf[:n]); werr != nil {
				log.Debugf("[%s] channel write failed: %s", s.name, werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("[%s] stdout read failed: %s", s.name, err)
			}
			return
		}
	}
}
