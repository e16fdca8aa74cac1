//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// killProcess terminates a Windows process by PID. Signal 0 is a liveness
// probe, matching kill(pid, 0) on Unix; every other signal terminates. A
// negative pid (a Unix process group) is mapped to its absolute value.
func killProcess(pid int, signal syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	actualPid := pid
	if pid < 0 {
		actualPid = -pid
	}

	if signal == 0 {
		return checkProcessExists(actualPid)
	}

	handle, err := openProcess(PROCESS_TERMINATE, false, uint32(actualPid))
	if err != nil {
		// Unable to open the handle usually means the process is already
		// gone; treat that as a successful termination.
		return nil
	}
	defer closeHandle(handle)

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func checkProcessExists(pid int) error {
	handle, err := openProcess(PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer closeHandle(handle)
	return nil
}

func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}
	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}

// processExists checks if a process exists.
func processExists(pid int) bool {
	return checkProcessExists(pid) == nil
}
