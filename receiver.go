package rexd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jhunt/go-log"
)

// receiverLimit caps how much a side-channel command will buffer.
// @clipset and @<verb> payloads are clipboard text and pathnames,
// not bulk transfer.
const receiverLimit = 1 << 20

// PayloadTooLargeError is what a side-channel command reports when
// its payload blows past the in-memory buffer cap.
//
var PayloadTooLargeError = errors.New("side-channel payload too large")

// drainChannel reads the session's channel to EOF, buffering at
// most receiverLimit bytes.
//
func (s *Session) drainChannel() ([]byte, error) {
	var data []byte

	buf := make([]byte, channelChunk)
	for {
		n, err := s.channel.Read(buf)
		if n > 0 {
			if len(data)+n > receiverLimit {
				return nil, PayloadTooLargeError
			}
			data = append(data, buf[:n]...)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// sideChannel is the consuming half of @clipset and @<verb>: drain
// the channel to EOF, then hand the payload to recv.  A payload or
// host-API failure becomes a single diagnostic line written back
// down the channel; a transport failure is just logged, the same
// as a forwarder dying.
//
func (s *Session) sideChannel(recv func(data []byte) error) {
	data, err := s.drainChannel()
	if err != nil {
		if err == PayloadTooLargeError {
			log.Errorf("[%s] %s", s.name, err)
			s.diagnostic(err.Error())
		} else {
			log.Errorf("[%s] side-channel read failed: %s", s.name, err)
		}
		return
	}

	if err := recv(data); err != nil {
		log.Errorf("[%s] %s", s.name, err)
		s.diagnostic(err.Error())
	}
}

// recvClipSet decodes a drained payload and stores it in the host
// clipboard.
//
func (s *Session) recvClipSet(data []byte) error {
	text, err := s.codec.Decode(data)
	if err != nil {
		return err
	}

	if err := s.clipboard.Set(text); err != nil {
		return fmt.Errorf("unable to set clipboard: %s", err)
	}

	log.Debugf("[%s] clipboard set (%d bytes)", s.name, len(data))
	return nil
}

// recvShellOpen decodes a drained payload as a pathname and hands
// it to the host opener, with the verb bound in.
//
func (s *Session) recvShellOpen(verb string) func(data []byte) error {
	return func(data []byte) error {
		path, err := s.codec.Decode(data)
		if err != nil {
			return err
		}
		path = strings.TrimSpace(path)

		if err := s.opener.Open(verb, path, s.homeDir); err != nil {
			return fmt.Errorf("unable to %s '%s': %s", verb, path, err)
		}

		log.Debugf("[%s] shell-execute %s '%s'", s.name, verb, path)
		return nil
	}
}
