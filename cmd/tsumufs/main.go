// Command tsumufs mounts a disconnectable cache filesystem over an
// upstream source, per §4.9/§6.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// setupError marks a failure past argument parsing -- mount, wiring, or
// CoreContext construction -- which exits 2 rather than cobra's default
// exit 1 for bad arguments (§6: "Exit codes: 0 success, 1 bad arguments,
// 2 mount/setup failure").
type setupError struct{ err error }

func (e *setupError) Error() string { return e.err.Error() }
func (e *setupError) Unwrap() error { return e.err }

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, "tsumufs:", err)

	var se *setupError
	if errors.As(err, &se) {
		return 2
	}
	return 1
}
