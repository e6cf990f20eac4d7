//go:build !unix

package platform

import (
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("operation not supported on %s", runtime.GOOS)

func mmapSegment(int) ([]byte, error) { return nil, errUnsupported }

func munmapSegment([]byte) error { return errUnsupported }

func mprotectRX([]byte) error { return errUnsupported }

func mprotectRO([]byte) error { return errUnsupported }
