package prefork

import (
	"os"
	"os/exec"
)

// child is the supervisor's bookkeeping for one drone process: its pid and
// the parent-owned ends of its two pipes.
type child struct {
	pid int
	cmd *exec.Cmd

	dataW   *os.File // parent writes dispatched stanzas here
	statusR *os.File // child writes "available" here when it can take more work
}

// close releases the parent's ends of both pipes. The child process itself
// is torn down separately, by signal or by the child's own exit.
func (c *child) close() {
	c.dataW.Close()
	c.statusR.Close()
}
