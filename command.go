package rexd

import (
	"strings"
)

// A Command is the parsed form of what a client asked its session
// to do: a plain shell, a command line to run under the shell
// template, or one of the @-prefixed side-channel commands.
//
type Command interface {
	String() string
}

// Shell means the client sent a "shell" request (no command at
// all); the session spawns the shell template verbatim.
//
type Shell struct{}

// Exec carries a command line to be run under the shell template.
//
type Exec struct {
	Line string
}

// ClipGet is the @clipget side-channel command: send the host
// clipboard's current text down the channel.
//
type ClipGet struct{}

// ClipSet is the @clipset side-channel command: read the channel
// to EOF and store the result in the host clipboard.
//
type ClipSet struct{}

// ShellOpen is any other @-prefixed command: read a path from the
// channel and hand it to the host's shell-execute facility, with
// Verb as the action ("open", "edit", "explore", ...).
//
type ShellOpen struct {
	Verb string
}

func (Shell) String() string   { return "(shell)" }
func (c Exec) String() string  { return c.Line }
func (ClipGet) String() string { return "@clipget" }
func (ClipSet) String() string { return "@clipset" }

func (c ShellOpen) String() string { return "@" + c.Verb }

// ParseCommand classifies a negotiated exec command string.  ok
// should be false when no exec request ever arrived -- that is,
// when the client asked for a shell instead.
//
func ParseCommand(line string, ok bool) Command {
	if !ok {
		return Shell{}
	}

	switch {
	case line == "@clipget":
		return ClipGet{}
	case line == "@clipset":
		return ClipSet{}
	case strings.HasPrefix(line, "@"):
		return ShellOpen{Verb: line[1:]}
	}

	return Exec{Line: line}
}
