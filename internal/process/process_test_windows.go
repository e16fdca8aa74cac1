//go:build windows

package process

import (
	"os/exec"
	"testing"
)

// checkSysProcAttrs verifies Windows-specific process attributes.
func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.CreationFlags&CREATE_NEW_PROCESS_GROUP == 0 {
		t.Fatalf("SysProcAttr CreationFlags missing process group flag")
	}
}
