//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores sane terminal modes after bubbletea exits,
// in case the program died mid-render and left the TTY raw.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	// Target /dev/tty directly so a redirected stdin does not matter.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
