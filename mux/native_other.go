//go:build !windows

package mux

func defaultNativeDriver() NativeDriver { return unsupportedDriver{} }

type unsupportedDriver struct{}

func (unsupportedDriver) CreateVirtualPorts() ([]string, error) { return nil, ErrUnsupportedPlatform }
func (unsupportedDriver) ReleaseVirtualPorts() error             { return nil }
