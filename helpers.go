package serial

import (
	"path/filepath"
	"runtime"
	"strings"

	gobug "go.bug.st/serial"
)

// allow tests to override external dependencies
var (
	getPortsList = gobug.GetPortsList
	globDevices  = filepath.Glob
	hostOS       = runtime.GOOS
)

// ScanPorts lists the serial ports available on this host. On macOS the
// callout-less /dev/tty.* nodes are listed directly.
func ScanPorts() ([]string, error) {
	if hostOS == "darwin" {
		return globDevices("/dev/tty.*")
	}
	ports, err := getPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

func isValidPortPattern(portName string) bool {
	// Reject path traversal outright
	if strings.Contains(portName, "..") {
		return false
	}
	// Windows: COM1-COM999 (must have at least one digit after COM)
	if strings.HasPrefix(portName, "COM") && len(portName) >= 4 && len(portName) <= 6 {
		for _, r := range portName[3:] {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	// Unix: /dev/tty*, /dev/cu* (macOS), pseudo-terminals and udev symlinks
	for _, prefix := range []string{"/dev/tty", "/dev/cu", "/dev/pts/", "/dev/serial/"} {
		if strings.HasPrefix(portName, prefix) && len(portName) > len(prefix) {
			return true
		}
	}
	return false
}
