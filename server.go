package rexd

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jhunt/go-log"
	"golang.org/x/crypto/ssh"
)

// Defaults for the listening side of a Server.
const (
	DefaultBind = "127.0.0.1"
	DefaultPort = 2200
)

// How long a freshly authenticated connection gets to open its one
// session channel before we give up and hang up on it.
const channelDeadline = 10 * time.Second

// How often the run loop pumps the presence sink's Idle() check.
const pumpCadence = 50 * time.Millisecond

// A Server is the whole daemon: it listens for SSH connections,
// authenticates them against a single configured username and a set
// of authorized public keys, and runs one Session per connection --
// spawning commands, forwarding bytes, and servicing the @-prefixed
// side-channel commands.
//
type Server struct {
	// The IP address (or hostname / FQDN) to bind and listen
	// on for incoming SSH connections.  Defaults to 127.0.0.1;
	// this is a remote door into a login account, so opening it
	// wider than loopback is a deliberate act.
	//
	Bind string

	// The TCP port to listen on.  Defaults to 2200.
	//
	Port int

	// The one account name that may authenticate.  Every other
	// username is turned away, whatever keys it brings.
	//
	Username string

	// Private keys to present as our host identity during key
	// exchange.  At least one is required.
	//
	HostKeys []ssh.Signer

	// Public keys that may log in as Username.  Checked by
	// byte-equality of the serialized key material.
	//
	AuthorizedKeys []ssh.PublicKey

	// Working directory for every spawned child, and the anchor
	// for relative paths handed to @<verb> commands.  Defaults
	// to the home directory of whoever ran us.
	//
	HomeDir string

	// The shell invocation template: spawned verbatim for shell
	// requests, or with ExecFlag and the command line appended
	// for exec requests.  Defaults to the platform's shell
	// (`cmd /Q` on Windows, `/bin/sh` elsewhere).
	//
	Shell []string

	// The flag that makes the Shell template run a single
	// command line (`/C` for cmd, `-c` for sh).
	//
	ExecFlag string

	// Text encoding for exec command strings and side-channel
	// payloads.  Defaults to UTF-8.
	//
	Codec *Codec

	// Where @clipget and @clipset go.  Defaults to the host's
	// system clipboard.
	//
	Clipboard Clipboard

	// Where @<verb> commands go.  Defaults to the host's
	// shell-execute facility.
	//
	Opener Opener

	// The front-end we report presence to: busy flag, status
	// text, connect/disconnect notifications, and the Idle()
	// pulse that keeps Serve() running.  Defaults to a
	// ConsoleSink.
	//
	Sink PresenceSink

	// Concurrency guard for the live-session list.
	//
	lk sync.Mutex

	// The network listener we await inbound connections on.
	//
	listener net.Listener

	// The x/crypto/ssh transport configuration (auth policy +
	// host keys), built once by Listen().
	//
	config *ssh.ServerConfig

	// Sessions that have been accepted and not yet closed or
	// discarded.
	//
	sessions []*Session

	// Every Session reports its lifecycle here; Serve()'s run
	// loop is the only consumer.
	//
	events chan sessionEvent

	// Closed exactly once, when it is time for everything --
	// accepters, handshakes, sessions -- to wind down.
	//
	stopping chan struct{}
	stopOnce sync.Once
}

// Listen validates the Server's configuration, fills in the
// defaults for anything left unset, and binds the network socket.
//
func (s *Server) Listen() error {
	if len(s.HostKeys) == 0 {
		return NoHostKeysError
	}
	if s.Username == "" {
		return NoUsernameError
	}
	if len(s.AuthorizedKeys) == 0 {
		return NoAuthorizedKeysError
	}

	if s.Bind == "" {
		s.Bind = DefaultBind
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if len(s.Shell) == 0 {
		s.Shell = defaultShell()
	}
	if s.ExecFlag == "" {
		s.ExecFlag = defaultExecFlag
	}
	if s.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.HomeDir = home
		}
	}
	if s.Codec == nil {
		s.Codec = UTF8
	}
	if s.Clipboard == nil {
		s.Clipboard = SystemClipboard
	}
	if s.Opener == nil {
		s.Opener = SystemOpener
	}
	if s.Sink == nil {
		s.Sink = &ConsoleSink{}
	}

	s.config = s.sshConfig()
	s.events = make(chan sessionEvent)
	s.stopping = make(chan struct{})

	var err error
	s.listener, err = net.Listen("tcp", s.Addr())
	if err != nil {
		return err
	}

	log.Infof("[server] listening on %s as user '%s' (%d authorized keys)", s.Addr(), s.Username, len(s.AuthorizedKeys))
	return nil
}

// Addr formats the address this Server binds (or was told to bind).
//
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// Serve runs the supervisor loop: accept connections, drive every
// Session's lifecycle, keep the presence sink informed, and pump
// its Idle() check.  It blocks until Idle() reports false or
// Shutdown() is called, closes every remaining session, and
// returns.
//
// It is the caller's responsibility to call Listen() first, or to
// dispense with both and just use ListenAndServe().
//
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("this server has no listener (did you forget to call Listen() first?)")
	}

	go s.accept()

	s.Sink.SetText(s.statusText())

	tick := time.NewTicker(pumpCadence)
	defer tick.Stop()

	for {
		select {
		case ev := <-s.events:
			s.handle(ev)

		case <-tick.C:
			if !s.Sink.Idle() {
				log.Infof("[server] presence sink went idle; shutting down")
				s.Shutdown()
			}

		case <-s.stopping:
			s.teardown()
			return nil
		}
	}
}

// ListenAndServe combines both the Listen() and Serve() methods
// into a convenient helper that runs both, serially, and returns
// whichever error pops up first.
//
func (s *Server) ListenAndServe() error {
	err := s.Listen()
	if err != nil {
		return err
	}

	return s.Serve()
}

// Shutdown asks a Serve()ing Server to wind down: stop accepting,
// close every live session, and return.  Safe to call from any
// goroutine, any number of times.
//
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// Sessions lists the names of the live sessions, oldest first.
//
func (s *Server) Sessions() []string {
	s.lk.Lock()
	defer s.lk.Unlock()

	names := make([]string, len(s.sessions))
	for i, sess := range s.sessions {
		names[i] = sess.Name()
	}
	return names
}

// handle reacts to one session lifecycle event.  open and closing
// drive the presence sink; timeout is a silent drop, per contract.
//
func (s *Server) handle(ev sessionEvent) {
	switch ev.kind {
	case sessionOpened:
		s.Sink.Notify("Connected", ev.session.Name())
		s.Sink.SetText(s.statusText())
		s.Sink.SetBusy(true)

	case sessionClosing:
		ev.session.Close()
		n := s.remove(ev.session)
		s.Sink.Notify("Disconnected", ev.session.Name())
		s.Sink.SetText(s.statusText())
		if n == 0 {
			s.Sink.SetBusy(false)
		}

	case sessionTimedOut:
		s.remove(ev.session)
		ev.session.conn.Close()
	}
}

// statusText is the standing presence text: where we listen, and
// how many clients are on, when there are any.
//
func (s *Server) statusText() string {
	text := fmt.Sprintf("Listening: %s...", s.Addr())

	s.lk.Lock()
	n := len(s.sessions)
	s.lk.Unlock()

	if n > 0 {
		text += fmt.Sprintf("\n(Clients: %d)", n)
	}
	return text
}

// teardown closes every session still on the books.  Each gets its
// child killed, its exit status sent, and its channel closed, in
// that order, same as a normal close.
//
func (s *Server) teardown() {
	for {
		s.lk.Lock()
		if len(s.sessions) == 0 {
			s.lk.Unlock()
			break
		}
		sess := s.sessions[0]
		s.sessions = s.sessions[1:]
		s.lk.Unlock()

		log.Infof("[server] closing %s", sess.Name())
		sess.Close()
	}
	log.Infof("[server] shut down")
}

// accept owns the listener.  Runs in its own goroutine; every
// accepted socket gets a handshake goroutine, so one slow (or
// hostile) client never holds up the next.
//
func (s *Server) accept() {
	id := 0
	for {
		log.Debugf("[server] awaiting inbound connections...")

		id++
		socket, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopping:
				return
			default:
				continue
			}
		}

		log.Debugf("[conn %d] inbound connection from %s; starting SSH handshake...", id, socket.RemoteAddr())
		go s.handshake(id, socket)
	}
}

// handshake drives one connection from raw socket to registered
// Session: SSH transport negotiation (which runs the auth policy),
// then a bounded wait for the client to open its one session
// channel.  Any failure tears down this connection and nothing
// else.
//
func (s *Server) handshake(id int, socket net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(socket, s.config)
	if err != nil {
		log.Errorf("[conn %d] SSH handshake failed: %s", id, err)
		socket.Close()
		return
	}

	log.Debugf("[conn %d] ignoring global requests...", id)
	go ignoreGlobalRequests(reqs)

	deadline := time.After(channelDeadline)
	for {
		select {
		case nc, ok := <-chans:
			if !ok {
				log.Debugf("[conn %d] connection went away before opening a channel", id)
				conn.Close()
				return
			}

			if nc.ChannelType() != "session" {
				log.Debugf("[conn %d] rejecting '%s' channel", id, nc.ChannelType())
				nc.Reject(ssh.Prohibited, fmt.Sprintf("no '%s' channels here", nc.ChannelType()))
				continue
			}

			channel, creqs, err := nc.Accept()
			if err != nil {
				log.Errorf("[conn %d] unable to accept session channel: %s", id, err)
				conn.Close()
				return
			}

			go ignoreNewChannels(chans)
			s.startSession(conn, channel, creqs)
			return

		case <-deadline:
			log.Errorf("[conn %d] no session channel within %s; hanging up", id, channelDeadline)
			conn.Close()
			return

		case <-s.stopping:
			conn.Close()
			return
		}
	}
}

// startSession builds a Session around a freshly accepted channel,
// puts it on the books, and spins its goroutines: one servicing
// channel requests (shell / exec / everything-refused), one driving
// the session from Pending through to its closing event.
//
func (s *Server) startSession(conn *ssh.ServerConn, channel ssh.Channel, reqs <-chan *ssh.Request) {
	sess := &Session{
		name:    sessionName(conn.RemoteAddr()),
		conn:    conn,
		channel: channel,
		policy:  newPolicy(s.Codec),

		homeDir:  s.HomeDir,
		shell:    s.Shell,
		execFlag: s.ExecFlag,
		codec:    s.Codec,

		clipboard: s.Clipboard,
		opener:    s.Opener,

		events:   s.events,
		stopping: s.stopping,

		chanDone: make(chan struct{}),
		procDone: make(chan struct{}),
	}

	// The registration and the shutdown check share one critical
	// section, so a session either lands on the books before
	// teardown() drains them, or not at all.
	s.lk.Lock()
	select {
	case <-s.stopping:
		s.lk.Unlock()
		log.Debugf("[server] %s arrived mid-shutdown; hanging up", sess.Name())
		conn.Close()
		return
	default:
	}
	s.sessions = append(s.sessions, sess)
	s.lk.Unlock()

	log.Infof("[server] %s accepted", sess.Name())
	go sess.serviceRequests(reqs)
	go sess.run()
}

// remove takes a session off the books and reports how many are
// left.
//
func (s *Server) remove(sess *Session) int {
	s.lk.Lock()
	defer s.lk.Unlock()

	for i, have := range s.sessions {
		if have == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	return len(s.sessions)
}

// sessionName derives the stable per-session name from the peer's
// address: `Session-192.0.2.7-61003`.
//
func sessionName(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return fmt.Sprintf("Session-%s", addr)
	}
	return fmt.Sprintf("Session-%s-%s", host, port)
}
