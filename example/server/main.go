package main

import (
	"fmt"
	"os"

	"github.com/jhunt/go-log"
	"golang.org/x/crypto/ssh"

	"github.com/jhunt/go-rexd"
)

// A chatty PresenceSink, standing in for a systray icon.
type loudmouth struct {
	rexd.ConsoleSink
}

func (l *loudmouth) SetBusy(on bool) {
	if on {
		fmt.Fprintf(os.Stderr, "*** someone is on! ***\n")
	} else {
		fmt.Fprintf(os.Stderr, "*** all quiet. ***\n")
	}
}

func (l *loudmouth) Notify(title, text string) {
	fmt.Fprintf(os.Stderr, ">>> %s: %s\n", title, text)
}

func main() {
	log.SetupLogging(log.LogConfig{
		Type:  "console",
		Level: "debug",
	})

	hostkey, err := rexd.PrivateKeyFromFile("host_key")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load host private key: %s\n", err)
		os.Exit(1)
	}

	authkeys, err := rexd.LoadAuthorizedKeys("authorized_keys")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load authorized keys: %s\n", err)
		os.Exit(1)
	}

	s := &rexd.Server{
		Port:           4222,
		Username:       "alice",
		HostKeys:       []ssh.Signer{hostkey},
		AuthorizedKeys: authkeys,

		// no system clipboard wanted here; keep one in memory
		Clipboard: &rexd.MemClipboard{},

		Sink: &loudmouth{},
	}

	if err := s.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %s\n", err)
		os.Exit(1)
	}
}
