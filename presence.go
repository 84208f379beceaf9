package rexd

import (
	"strings"
	"sync"

	"github.com/jhunt/go-log"
)

// A PresenceSink is the narrow interface through which a Server
// reports itself to a user-facing front-end -- a systray app, a
// desktop notifier, or just the log.
//
// SetBusy flips the "a client is connected" indicator.  Notify
// raises a transient notification.  SetText replaces the standing
// status text.  Idle is polled by the Server's run loop, and
// should return false when it is time to shut the whole thing
// down.
//
type PresenceSink interface {
	SetBusy(on bool)
	Notify(title, text string)
	SetText(text string)
	Idle() bool
}

// A ConsoleSink is the headless PresenceSink: notifications and
// status text land in the log, and Idle holds until Stop is
// called (say, from a signal handler).
//
type ConsoleSink struct {
	lk      sync.Mutex
	stopped bool
}

func (c *ConsoleSink) SetBusy(on bool) {
	log.Debugf("[presence] busy: %v", on)
}

func (c *ConsoleSink) Notify(title, text string) {
	log.Infof("[presence] %s: %s", title, text)
}

func (c *ConsoleSink) SetText(text string) {
	log.Infof("[presence] %s", strings.ReplaceAll(text, "\n", " "))
}

func (c *ConsoleSink) Idle() bool {
	c.lk.Lock()
	defer c.lk.Unlock()

	return !c.stopped
}

// Stop makes Idle report false, which winds down any Server
// pumping this sink.
//
func (c *ConsoleSink) Stop() {
	c.lk.Lock()
	defer c.lk.Unlock()

	c.stopped = true
}
