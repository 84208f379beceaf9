package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// A bare-bones client for the rexd server: connect with a private
// key, run one command (or a shell, with no arguments), wire the
// remote's output to ours, and exit with the remote's status.
//
//     client USER@HOST:PORT KEYFILE [COMMAND...]
//
func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "USAGE: %s USER@HOST:PORT KEYFILE [COMMAND...]\n", os.Args[0])
		os.Exit(1)
	}

	at := strings.SplitN(os.Args[1], "@", 2)
	if len(at) != 2 {
		fmt.Fprintf(os.Stderr, "USAGE: %s USER@HOST:PORT KEYFILE [COMMAND...]\n", os.Args[0])
		os.Exit(1)
	}

	b, err := ioutil.ReadFile(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %s\n", os.Args[2], err)
		os.Exit(1)
	}
	key, err := ssh.ParsePrivateKey(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse %s: %s\n", os.Args[2], err)
		os.Exit(1)
	}

	conn, err := ssh.Dial("tcp", at[1], &ssh.ClientConfig{
		User:            at[0],
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %s\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	sess, err := conn.NewSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open a session: %s\n", err)
		os.Exit(2)
	}
	defer sess.Close()

	sess.Stdout = os.Stdout
	sess.Stderr = os.Stderr

	stdin, err := sess.StdinPipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to wire stdin: %s\n", err)
		os.Exit(2)
	}
	go func() {
		io.Copy(stdin, os.Stdin)
		stdin.Close()
	}()

	if len(os.Args) > 3 {
		err = sess.Run(strings.Join(os.Args[3:], " "))
	} else {
		if err = sess.Shell(); err == nil {
			err = sess.Wait()
		}
	}

	if err == nil {
		os.Exit(0)
	}
	if x, ok := err.(*ssh.ExitError); ok {
		os.Exit(x.ExitStatus())
	}
	fmt.Fprintf(os.Stderr, "remote command failed: %s\n", err)
	os.Exit(2)
}
