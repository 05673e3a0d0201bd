//go:build windows

package engine

import "os"

// Windows cannot deliver console signals to a child without a shared
// console, so the core is killed outright.
func terminate(proc *os.Process) error {
	return proc.Kill()
}
