package rexd

import (
	"sync"

	"github.com/atotto/clipboard"
)

// A Clipboard is where @clipget reads from and @clipset writes to.
// A Server defaults to the host's system clipboard; embedders can
// swap in anything else (see MemClipboard).
//
type Clipboard interface {
	Get() (string, error)
	Set(text string) error
}

// SystemClipboard is the host's real clipboard.
//
var SystemClipboard Clipboard = systemClipboard{}

type systemClipboard struct{}

func (systemClipboard) Get() (string, error) {
	return clipboard.ReadAll()
}

func (systemClipboard) Set(text string) error {
	return clipboard.WriteAll(text)
}

// A MemClipboard is an in-memory Clipboard, for headless hosts
// that have no real one, and for tests.
//
type MemClipboard struct {
	lk   sync.Mutex
	text string
}

func (m *MemClipboard) Get() (string, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	return m.text, nil
}

func (m *MemClipboard) Set(text string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.text = text
	return nil
}
