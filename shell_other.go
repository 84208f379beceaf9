// +build !windows

package rexd

import (
	"os/exec"
)

// defaultShell is the shell template used when none is configured:
// spawned bare for "shell" requests, or with defaultExecFlag and
// the command line appended for "exec" requests.
//
func defaultShell() []string {
	return []string{"/bin/sh"}
}

const defaultExecFlag = "-c"

// hideWindow is a no-op here; console windows are a Windows concern.
func hideWindow(cmd *exec.Cmd) {}
