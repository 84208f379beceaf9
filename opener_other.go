// +build !windows

package rexd

import (
	"path/filepath"
	"strings"

	"github.com/jhunt/go-log"
	"github.com/skratchdot/open-golang/open"
)

// SystemOpener dispatches through the desktop's opener (xdg-open,
// open(1), and friends).  Verbs are a Windows notion; over here
// everything is an "open", and other verbs are merely logged.
//
var SystemOpener Opener = systemOpener{}

type systemOpener struct{}

func (systemOpener) Open(verb, path, dir string) error {
	if !filepath.IsAbs(path) && dir != "" && !strings.Contains(path, "://") {
		path = filepath.Join(dir, path)
	}

	if verb != "open" {
		log.Debugf("[opener] no '%s' verb on this platform; opening %s instead", verb, path)
	}

	return open.Run(path)
}
