// +build windows

package rexd

import (
	"os/exec"
	"syscall"
)

// CREATE_NO_WINDOW, so spawned children do not flash console
// windows at whoever is sitting at the desk.
const createNoWindow = 0x08000000

// defaultShell is the shell template used when none is configured:
// spawned bare for "shell" requests, or with defaultExecFlag and
// the command line appended for "exec" requests.
//
func defaultShell() []string {
	return []string{"cmd", "/Q"}
}

const defaultExecFlag = "/C"

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}
