//go:build windows

package mux

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	nativeDLLName = "thunderfocus-vport.dll"

	// nameBufLen is the UTF-16 buffer handed to CreateVirtualPorts. Names are
	// written NUL separated.
	nameBufLen = 512
)

// dllDriver calls the virtual-port DLL:
//
//	int  CreateVirtualPorts(wchar_t *names, int len);
//	void ReleaseVirtualPorts(void);
type dllDriver struct {
	dll     *windows.LazyDLL
	create  *windows.LazyProc
	release *windows.LazyProc
}

func defaultNativeDriver() NativeDriver {
	dll := windows.NewLazyDLL(nativeDLLName)
	return &dllDriver{
		dll:     dll,
		create:  dll.NewProc("CreateVirtualPorts"),
		release: dll.NewProc("ReleaseVirtualPorts"),
	}
}

func (d *dllDriver) CreateVirtualPorts() ([]string, error) {
	if err := d.create.Find(); err != nil {
		return nil, fmt.Errorf("load %s: %w", nativeDLLName, err)
	}
	buf := make([]uint16, nameBufLen)
	r, _, callErr := d.create.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	count := int(int32(r))
	if count < 0 {
		return nil, fmt.Errorf("CreateVirtualPorts failed: %v", callErr)
	}
	return splitUTF16(buf, count), nil
}

func (d *dllDriver) ReleaseVirtualPorts() error {
	if err := d.release.Find(); err != nil {
		return fmt.Errorf("load %s: %w", nativeDLLName, err)
	}
	_, _, _ = d.release.Call()
	return nil
}

// splitUTF16 decodes up to count NUL separated names from buf.
func splitUTF16(buf []uint16, count int) []string {
	names := make([]string, 0, count)
	start := 0
	for i := 0; i < len(buf) && len(names) < count; i++ {
		if buf[i] != 0 {
			continue
		}
		if i > start {
			names = append(names, windows.UTF16ToString(buf[start:i]))
		}
		start = i + 1
	}
	return names
}
