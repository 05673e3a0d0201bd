//go:build !windows

package service

import (
	"fmt"
	"io"
)

func installWindows(Config, io.Writer) error {
	return fmt.Errorf("%w: windows", ErrUnsupported)
}

func uninstallWindows(Config, io.Writer) error {
	return fmt.Errorf("%w: windows", ErrUnsupported)
}

func statusWindows(Config) (string, error) {
	return "", fmt.Errorf("%w: windows", ErrUnsupported)
}
