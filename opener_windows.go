// +build windows

package rexd

import (
	"golang.org/x/sys/windows"
)

// nShowCmd for ShellExecute; SW_SHOWDEFAULT lets the shell pick.
const swShowDefault = 10

// SystemOpener dispatches through ShellExecute, verbs and all.
//
var SystemOpener Opener = systemOpener{}

type systemOpener struct{}

func (systemOpener) Open(verb, path, dir string) error {
	v, err := windows.UTF16PtrFromString(verb)
	if err != nil {
		return err
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	d, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return err
	}

	return windows.ShellExecute(0, v, p, nil, d, swShowDefault)
}
