package rexd

import (
	"os/exec"
	"sync"
	"time"

	"github.com/jhunt/go-log"
	"golang.org/x/crypto/ssh"
)

// How long a freshly accepted session may dawdle before producing
// a shell or exec request.
const readyDeadline = 10 * time.Second

// How long Close waits for the child->channel forwarder to wind
// down before barging ahead.
const reapDeadline = 5 * time.Second

// How long after the client's input dries up to let the child wind
// down on its own (and flush the last of its output) before the
// session closes over it.
const drainDeadline = 5 * time.Second

type sessionState int

const (
	statePending sessionState = iota
	stateOpening
	stateRunning
	stateClosing
	stateClosed
	stateDiscarded
)

func (st sessionState) String() string {
	switch st {
	case statePending:
		return "pending"
	case stateOpening:
		return "opening"
	case stateRunning:
		return "running"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	case stateDiscarded:
		return "discarded"
	}
	return "unknown"
}

// A Session owns exactly one SSH channel, from the moment the
// supervisor accepts it to the moment the exit status goes out and
// the connection hangs up.  It spawns at most one child process,
// wires the forwarder pair (or a side-channel handler) between the
// channel and that child, and reports its lifecycle upstream as
// events.
//
type Session struct {
	name    string
	conn    *ssh.ServerConn
	channel ssh.Channel
	policy  *policy

	homeDir  string
	shell    []string
	execFlag string
	codec    *Codec

	clipboard Clipboard
	opener    Opener

	events   chan<- sessionEvent
	stopping <-chan struct{}

	lk    sync.Mutex
	state sessionState
	child *exec.Cmd

	chanDone chan struct{}
	procDone chan struct{}

	once sync.Once
}

// Name returns the session's stable name, derived from the peer's
// address and port (i.e. `Session-192.0.2.7-61003`).
//
func (s *Session) Name() string {
	return s.name
}

func (s *Session) setState(st sessionState) {
	s.lk.Lock()
	defer s.lk.Unlock()

	log.Debugf("[%s] %s -> %s", s.name, s.state, st)
	s.state = st
}

func (s *Session) emit(kind eventType) {
	log.Debugf("[%s] event: %s", s.name, kind)

	// closed is raised from inside Close(), which runs on the
	// supervisor's own goroutine; pushing it through the event
	// channel would wedge the loop against itself.
	if kind == sessionClosed {
		return
	}

	select {
	case s.events <- sessionEvent{kind: kind, session: s}:
	case <-s.stopping:
	}
}

// serviceRequests handles the channel's request stream.  shell and
// exec make the session ready (first one wins; repeats are accepted
// without effect); exec command bytes are decoded with the session
// codec.  Everything else -- pty-req, env, subsystem, window-change,
// signal -- is refused.
//
// Meant to be run in a goroutine; it drains until the channel goes
// away.
//
func (s *Session) serviceRequests(reqs <-chan *ssh.Request) {
	for r := range reqs {
		switch r.Type {
		case "shell":
			log.Debugf("[%s] shell requested", s.name)
			s.policy.markShell()
			r.Reply(true, nil)

		case "exec":
			var payload struct{ Value []byte }
			if err := ssh.Unmarshal(r.Payload, &payload); err != nil {
				log.Errorf("[%s] malformed exec request: %s", s.name, err)
				r.Reply(false, nil)
				continue
			}

			command, err := s.policy.codec.Decode(payload.Value)
			if err != nil {
				log.Errorf("[%s] refusing undecodable exec command: %s", s.name, err)
				r.Reply(false, nil)
				continue
			}

			log.Debugf("[%s] exec requested: %s", s.name, command)
			s.policy.markExec(command)
			r.Reply(true, nil)

		default:
			log.Debugf("[%s] refusing '%s' request", s.name, r.Type)
			if r.WantReply {
				r.Reply(false, nil)
			}
		}
	}
}

// run drives the session from Pending to the closing event (or to
// a timeout).  Meant to be run in a goroutine.
//
func (s *Session) run() {
	select {
	case <-s.policy.ready:

	case <-time.After(readyDeadline):
		log.Errorf("[%s] no shell or exec request within %s; discarding", s.name, readyDeadline)
		s.setState(stateDiscarded)
		s.emit(sessionTimedOut)
		return
	}

	s.setState(stateOpening)
	s.emit(sessionOpened)

	command := s.policy.parsed()
	log.Infof("[%s] command: %s", s.name, command)

	switch c := command.(type) {
	case ClipGet:
		s.clipGet()

	case ClipSet:
		s.setState(stateRunning)
		s.sideChannel(s.recvClipSet)

	case ShellOpen:
		s.setState(stateRunning)
		s.sideChannel(s.recvShellOpen(c.Verb))

	case Shell:
		s.spawn(s.shell)

	case Exec:
		argv := make([]string, 0, len(s.shell)+2)
		argv = append(argv, s.shell...)
		argv = append(argv, s.execFlag, c.Line)
		s.spawn(argv)
	}

	s.emit(sessionClosing)
}

// spawn starts the child with stdin/stdout pipes, stderr merged
// into stdout, cwd pinned to the session's working directory, and
// no console window where the host has such things; then it wires
// the forwarder pair and waits for the first of them to finish.
//
// A spawn failure is logged and swallowed: the session closes
// cleanly with status 0, per the exit-status contract.
//
func (s *Session) spawn(argv []string) {
	log.Debugf("[%s] spawning %v (cwd %s)", s.name, argv, s.homeDir)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.homeDir
	hideWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Errorf("[%s] unable to plumb stdin: %s", s.name, err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Errorf("[%s] unable to plumb stdout: %s", s.name, err)
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		log.Errorf("[%s] spawn failed: %s", s.name, err)
		return
	}

	s.lk.Lock()
	s.child = cmd
	s.lk.Unlock()

	s.setState(stateRunning)
	go s.pumpChannel(stdin)
	go s.pumpProcess(stdout)

	select {
	case <-s.procDone:

	case <-s.chanDone:
		// The child's stdin just closed; a well-behaved child
		// will notice the EOF, finish up, and exit -- and the
		// client that half-closed is still owed whatever output
		// is in flight.  A child that ignores EOF gets killed
		// when the deadline runs out.
		select {
		case <-s.procDone:
		case <-time.After(drainDeadline):
			log.Debugf("[%s] child outlived its input; closing over it", s.name)
		}
	}
}

// clipGet pushes the host clipboard's text down the channel.  It
// produces without consuming, so there is no receiver task; one
// write and the session is done.
//
func (s *Session) clipGet() {
	text, err := s.clipboard.Get()
	if err != nil {
		log.Errorf("[%s] unable to read clipboard: %s", s.name, err)
		return
	}

	b, err := s.codec.Encode(text)
	if err != nil {
		log.Errorf("[%s] %s", s.name, err)
		s.diagnostic(err.Error())
		return
	}

	if _, err := s.channel.Write(b); err != nil {
		log.Debugf("[%s] channel write failed: %s", s.name, err)
		return
	}
	log.Debugf("[%s] clipboard sent (%d bytes)", s.name, len(b))
}

// diagnostic writes a single human-readable line back down the
// channel, encoded with the session codec when it can be.
//
func (s *Session) diagnostic(msg string) {
	line := msg + "\n"

	b, err := s.codec.Encode(line)
	if err != nil {
		b = []byte(line)
	}

	if _, err := s.channel.Write(b); err != nil {
		log.Debugf("[%s] channel write failed: %s", s.name, err)
	}
}

// Close drives the session's ordered shutdown: kill the child (if
// one is still out there), let the child->channel forwarder drain,
// reap the child, send its exit status, close the channel, and
// hang up the connection.  Safe to call more than once; only the
// first call does the work.
//
func (s *Session) Close() {
	s.once.Do(func() {
		s.setState(stateClosing)

		s.lk.Lock()
		child := s.child
		s.lk.Unlock()

		rc := 0
		if child != nil {
			child.Process.Kill()

			select {
			case <-s.procDone:
			case <-time.After(reapDeadline):
				log.Errorf("[%s] output forwarder is stuck; closing without it", s.name)
			}

			rc = s.reap(child)
			log.Debugf("[%s] child exited %d", s.name, rc)
		}

		log.Debugf("[%s] sending exit-status %d", s.name, rc)
		if _, err := s.channel.SendRequest("exit-status", false, exited(rc)); err != nil {
			log.Debugf("[%s] unable to send exit-status: %s", s.name, err)
		}
		s.channel.Close()
		s.conn.Close()

		s.setState(stateClosed)
		s.emit(sessionClosed)
	})
}

// reap waits on the child and maps its exit into the wire
// contract: a normal exit code rides as-is; death by signal
// (including our own kill) rides as 1.
//
func (s *Session) reap(child *exec.Cmd) int {
	err := child.Wait()
	if err == nil {
		return 0
	}

	if x, ok := err.(*exec.ExitError); ok {
		if rc := x.ExitCode(); rc >= 0 {
			return rc
		}
		return 1
	}

	log.Debugf("[%s] wait failed: %s", s.name, err)
	return 0
}
