package rexd_test

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"github.com/jhunt/go-rexd"
)

func TestAllTheThings(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "rexd Test Suite")
}

// A spySink records everything the server tells its front-end.
type spySink struct {
	lk      sync.Mutex
	stopped bool
	busy    bool
	text    string
	notes   []string
}

func (s *spySink) SetBusy(on bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.busy = on
}

func (s *spySink) Notify(title, text string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.notes = append(s.notes, title+": "+text)
}

func (s *spySink) SetText(text string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.text = text
}

func (s *spySink) Idle() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return !s.stopped
}

func (s *spySink) Notes() []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([]string{}, s.notes...)
}

func (s *spySink) Text() string {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.text
}

// A spyOpener records shell-execute calls instead of making them.
type spyOpener struct {
	lk              sync.Mutex
	verb, path, dir string
}

func (o *spyOpener) Open(verb, path, dir string) error {
	o.lk.Lock()
	defer o.lk.Unlock()
	o.verb, o.path, o.dir = verb, path, dir
	return nil
}

func (o *spyOpener) Last() (string, string, string) {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.verb, o.path, o.dir
}

var _ = Describe("end-to-end", func() {
	port := 4770

	var (
		server *rexd.Server
		clip   *rexd.MemClipboard
		opener *spyOpener
		sink   *spySink
		key    ssh.Signer
	)

	dial := func(user string, key ssh.Signer) (*ssh.Client, error) {
		return ssh.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         5 * time.Second,
		})
	}

	connect := func() *ssh.Client {
		c, err := dial("alice", key)
		Ω(err).ShouldNot(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		port++

		hk, err := rexd.GeneratePrivateKey(1024)
		Ω(err).ShouldNot(HaveOccurred())

		key, err = rexd.GeneratePrivateKey(1024)
		Ω(err).ShouldNot(HaveOccurred())

		clip = &rexd.MemClipboard{}
		opener = &spyOpener{}
		sink = &spySink{}

		server = &rexd.Server{
			Bind:           "127.0.0.1",
			Port:           port,
			Username:       "alice",
			HostKeys:       []ssh.Signer{hk},
			AuthorizedKeys: []ssh.PublicKey{key.PublicKey()},
			HomeDir:        os.TempDir(),
			Clipboard:      clip,
			Opener:         opener,
			Sink:           sink,
		}

		Ω(server.Listen()).Should(Succeed())
		go server.Serve()
	})

	AfterEach(func() {
		server.Shutdown()
	})

	Context("authentication", func() {
		It("should let the configured user in with an authorized key", func() {
			c := connect()
			c.Close()
		})

		It("should turn away unauthorized keys", func() {
			rogue, err := rexd.GeneratePrivateKey(1024)
			Ω(err).ShouldNot(HaveOccurred())

			_, err = dial("alice", rogue)
			Ω(err).Should(HaveOccurred())
			Ω(server.Sessions()).Should(BeEmpty())
		})

		It("should turn away other usernames, even with a good key", func() {
			_, err := dial("bob", key)
			Ω(err).Should(HaveOccurred())
			Ω(server.Sessions()).Should(BeEmpty())
		})
	})

	Context("running commands", func() {
		It("should run a shell and feed it input", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			var out bytes.Buffer
			sess.Stdout = &out

			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Shell()).Should(Succeed())
			fmt.Fprintf(stdin, "echo hi\n")
			stdin.Close()

			Ω(sess.Wait()).Should(Succeed())
			Ω(out.String()).Should(ContainSubstring("hi\n"))
		})

		It("should run an exec command and return its output", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			out, err := sess.Output("echo hi")
			Ω(err).ShouldNot(HaveOccurred())
			Ω(string(out)).Should(Equal("hi\n"))
		})

		It("should merge standard error into the channel", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			out, err := sess.Output("echo out; echo err 1>&2")
			Ω(err).ShouldNot(HaveOccurred())
			Ω(string(out)).Should(Equal("out\nerr\n"))
		})

		It("should report nonzero exit statuses", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			err = sess.Run("exit 7")
			Ω(err).Should(HaveOccurred())

			x, ok := err.(*ssh.ExitError)
			Ω(ok).Should(BeTrue())
			Ω(x.ExitStatus()).Should(Equal(7))
		})

		It("should default the exec flag even when a shell template is given", func() {
			custom := &rexd.Server{
				Bind:           "127.0.0.1",
				Port:           port + 1000,
				Username:       "alice",
				HostKeys:       server.HostKeys,
				AuthorizedKeys: server.AuthorizedKeys,
				HomeDir:        os.TempDir(),
				Shell:          []string{"/bin/sh"},
				Clipboard:      clip,
				Opener:         opener,
				Sink:           &spySink{},
			}
			Ω(custom.Listen()).Should(Succeed())
			go custom.Serve()
			defer custom.Shutdown()

			c, err := ssh.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port+1000), &ssh.ClientConfig{
				User:            "alice",
				Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
				HostKeyCallback: ssh.InsecureIgnoreHostKey(),
				Timeout:         5 * time.Second,
			})
			Ω(err).ShouldNot(HaveOccurred())
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			out, err := sess.Output("echo hi")
			Ω(err).ShouldNot(HaveOccurred())
			Ω(string(out)).Should(Equal("hi\n"))
		})

		It("should close cleanly, status 0, when the spawn fails", func() {
			server.Shell = []string{"/no/such/shell/anywhere"}
			server.ExecFlag = "-c"

			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			Ω(sess.Shell()).Should(Succeed())
			Ω(sess.Wait()).Should(Succeed())
		})
	})

	Context("side channels", func() {
		It("should send the clipboard for @clipget", func() {
			Ω(clip.Set("abc")).Should(Succeed())

			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			out, err := sess.Output("@clipget")
			Ω(err).ShouldNot(HaveOccurred())
			Ω(string(out)).Should(Equal("abc"))
		})

		It("should set the clipboard for @clipset", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Start("@clipset")).Should(Succeed())
			fmt.Fprintf(stdin, "xyz")
			stdin.Close()

			Ω(sess.Wait()).Should(Succeed())
			Ω(clip.Get()).Should(Equal("xyz"))
		})

		It("should round-trip clipboard text through @clipset and @clipget", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())

			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Start("@clipset")).Should(Succeed())
			fmt.Fprintf(stdin, "round and round")
			stdin.Close()
			Ω(sess.Wait()).Should(Succeed())
			sess.Close()

			c2 := connect()
			defer c2.Close()

			sess, err = c2.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			out, err := sess.Output("@clipget")
			Ω(err).ShouldNot(HaveOccurred())
			Ω(string(out)).Should(Equal("round and round"))
		})

		It("should shell-execute a path for @<verb>", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Start("@edit")).Should(Succeed())
			fmt.Fprintf(stdin, "  notes.txt\n")
			stdin.Close()

			Ω(sess.Wait()).Should(Succeed())

			verb, path, dir := opener.Last()
			Ω(verb).Should(Equal("edit"))
			Ω(path).Should(Equal("notes.txt"))
			Ω(dir).Should(Equal(os.TempDir()))
		})

		It("should refuse payloads bigger than the buffer cap", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			var out bytes.Buffer
			sess.Stdout = &out

			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Start("@clipset")).Should(Succeed())
			// one byte past the cap; the write may come up short
			// once the server gives up on us, and that is fine.
			stdin.Write(bytes.Repeat([]byte("x"), (1<<20)+1))
			stdin.Close()

			Ω(sess.Wait()).Should(Succeed())
			Ω(out.String()).Should(ContainSubstring("side-channel payload too large"))
			Ω(clip.Get()).Should(Equal(""))
		})

		It("should complain (and still close cleanly) about undecodable payloads", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			var out bytes.Buffer
			sess.Stdout = &out

			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Start("@clipset")).Should(Succeed())
			stdin.Write([]byte{0xff, 0xfe, 0xfd})
			stdin.Close()

			Ω(sess.Wait()).Should(Succeed())
			Ω(out.String()).Should(ContainSubstring("invalid utf-8"))
			Ω(out.String()).Should(HaveSuffix("\n"))
		})
	})

	Context("channel discipline", func() {
		It("should serve only one session channel per connection", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			_, err = c.NewSession()
			Ω(err).Should(HaveOccurred())
		})

		It("should reject channels that are not sessions", func() {
			c := connect()
			defer c.Close()

			_, err := c.Dial("tcp", "127.0.0.1:80")
			Ω(err).Should(HaveOccurred())
		})
	})

	Context("presence", func() {
		It("should notify on connect and disconnect", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			Ω(sess.Run("true")).Should(Succeed())

			Eventually(sink.Notes, "2s").Should(HaveLen(2))
			notes := sink.Notes()
			Ω(notes[0]).Should(HavePrefix("Connected: Session-127.0.0.1-"))
			Ω(notes[1]).Should(HavePrefix("Disconnected: Session-127.0.0.1-"))
		})

		It("should count clients in the status text", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			var out bytes.Buffer
			sess.Stdout = &out
			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())
			Ω(sess.Shell()).Should(Succeed())

			Eventually(sink.Text, "2s").Should(
				Equal(fmt.Sprintf("Listening: 127.0.0.1:%d...\n(Clients: 1)", port)))

			stdin.Close()
			Ω(sess.Wait()).Should(Succeed())

			Eventually(sink.Text, "2s").Should(
				Equal(fmt.Sprintf("Listening: 127.0.0.1:%d...", port)))
		})
	})

	Context("timeouts", func() {
		It("should hang up on connections that never open a channel", func() {
			c := connect()
			defer c.Close()

			done := make(chan error, 1)
			go func() { done <- c.Wait() }()

			Eventually(done, "12s").Should(Receive())
			Ω(server.Sessions()).Should(BeEmpty())
			Ω(sink.Notes()).Should(BeEmpty())
		})

		It("should silently discard sessions that never go ready", func() {
			c := connect()
			defer c.Close()

			ch, reqs, err := c.OpenChannel("session", nil)
			Ω(err).ShouldNot(HaveOccurred())
			go ssh.DiscardRequests(reqs)
			defer ch.Close()

			Eventually(server.Sessions, "2s").Should(HaveLen(1))
			Eventually(server.Sessions, "12s", "250ms").Should(BeEmpty())
			Ω(sink.Notes()).Should(BeEmpty())
		})
	})

	Context("forced teardown", func() {
		It("should kill a running child and still send its exit status", func() {
			c := connect()
			defer c.Close()

			sess, err := c.NewSession()
			Ω(err).ShouldNot(HaveOccurred())
			defer sess.Close()

			stdout, err := sess.StdoutPipe()
			Ω(err).ShouldNot(HaveOccurred())
			stdin, err := sess.StdinPipe()
			Ω(err).ShouldNot(HaveOccurred())

			Ω(sess.Shell()).Should(Succeed())

			// make sure the child is really up before we pull
			// the rug out from under it.
			fmt.Fprintf(stdin, "echo ready\n")
			line, err := bufio.NewReader(stdout).ReadString('\n')
			Ω(err).ShouldNot(HaveOccurred())
			Ω(line).Should(ContainSubstring("ready"))

			server.Shutdown()

			// stdin stays open: the shell dies by our hand, not
			// by EOF, and rides the wire as status 1.
			err = sess.Wait()
			Ω(err).Should(HaveOccurred())

			x, ok := err.(*ssh.ExitError)
			Ω(ok).Should(BeTrue())
			Ω(x.ExitStatus()).Should(Equal(1))
		})

		It("should not take on sessions once shutdown has begun", func() {
			server.Shutdown()

			_, err := dial("alice", key)
			Ω(err).Should(HaveOccurred())
			Ω(server.Sessions()).Should(BeEmpty())
		})
	})
})

var _ = Describe("command parsing", func() {
	It("should read no exec command as a shell request", func() {
		Ω(rexd.ParseCommand("", false)).Should(Equal(rexd.Shell{}))
		Ω(rexd.ParseCommand("ignored", false)).Should(Equal(rexd.Shell{}))
	})

	It("should recognize the clipboard commands", func() {
		Ω(rexd.ParseCommand("@clipget", true)).Should(Equal(rexd.ClipGet{}))
		Ω(rexd.ParseCommand("@clipset", true)).Should(Equal(rexd.ClipSet{}))
	})

	It("should read other @-commands as shell-execute verbs", func() {
		Ω(rexd.ParseCommand("@edit", true)).Should(Equal(rexd.ShellOpen{Verb: "edit"}))
		Ω(rexd.ParseCommand("@explore", true)).Should(Equal(rexd.ShellOpen{Verb: "explore"}))
	})

	It("should pass everything else to the shell", func() {
		Ω(rexd.ParseCommand("echo hi", true)).Should(Equal(rexd.Exec{Line: "echo hi"}))
		Ω(rexd.ParseCommand("cat @file", true)).Should(Equal(rexd.Exec{Line: "cat @file"}))
	})
})

var _ = Describe("codecs", func() {
	It("should default to utf-8", func() {
		c, err := rexd.LookupCodec("")
		Ω(err).ShouldNot(HaveOccurred())
		Ω(c.Name()).Should(Equal("utf-8"))
	})

	It("should round-trip utf-8 text", func() {
		c, err := rexd.LookupCodec("utf-8")
		Ω(err).ShouldNot(HaveOccurred())

		b, err := c.Encode("héllo")
		Ω(err).ShouldNot(HaveOccurred())

		s, err := c.Decode(b)
		Ω(err).ShouldNot(HaveOccurred())
		Ω(s).Should(Equal("héllo"))
	})

	It("should reject invalid utf-8 on decode", func() {
		c, err := rexd.LookupCodec("utf-8")
		Ω(err).ShouldNot(HaveOccurred())

		_, err = c.Decode([]byte{0xff, 0xfe})
		Ω(err).Should(HaveOccurred())
	})

	It("should look up other encodings by IANA name", func() {
		c, err := rexd.LookupCodec("shift_jis")
		Ω(err).ShouldNot(HaveOccurred())

		s, err := c.Decode([]byte("hello"))
		Ω(err).ShouldNot(HaveOccurred())
		Ω(s).Should(Equal("hello"))
	})

	It("should reject names it has never heard of", func() {
		_, err := rexd.LookupCodec("klingon-8")
		Ω(err).Should(HaveOccurred())
	})
})

var _ = Describe("authorized keys", func() {
	authline := func() string {
		key, err := rexd.GeneratePrivateKey(1024)
		Ω(err).ShouldNot(HaveOccurred())
		return string(ssh.MarshalAuthorizedKey(key.PublicKey()))
	}

	It("should parse one key per line", func() {
		keys, err := rexd.ParseAuthorizedKeys([]byte(authline() + authline()))
		Ω(err).ShouldNot(HaveOccurred())
		Ω(keys).Should(HaveLen(2))
	})

	It("should skip lines that are not keys", func() {
		in := "# a comment\n\njust-one-field\n" + authline()
		keys, err := rexd.ParseAuthorizedKeys([]byte(in))
		Ω(err).ShouldNot(HaveOccurred())
		Ω(keys).Should(HaveLen(1))
	})

	It("should skip key types it does not recognize", func() {
		in := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIJWsK2helloworld comment\n" + authline()
		keys, err := rexd.ParseAuthorizedKeys([]byte(in))
		Ω(err).ShouldNot(HaveOccurred())
		Ω(keys).Should(HaveLen(1))
	})

	It("should stop for recognized keys that will not parse", func() {
		_, err := rexd.ParseAuthorizedKeys([]byte("ssh-rsa this-is-not-base64 broken\n"))
		Ω(err).Should(HaveOccurred())
	})
})
