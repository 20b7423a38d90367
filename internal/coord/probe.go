package coord

import (
	"github.com/kapetan-io/errors"
	"os"
	"syscall"
)

// ProcessProbe reports whether a pid belongs to a live process. Admission
// and reaping decisions depend on it; the default asks the OS, tests
// substitute their own.
type ProcessProbe interface {
	Alive(pid int) bool
}

// OSProbe probes liveness with signal 0. A permission error still means
// the process exists.
type OSProbe struct{}

func (OSProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
