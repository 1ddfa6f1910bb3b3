//go:build !linux

package media

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

type unsupportedCapture struct{}

// NewDeviceCapture on platforms without wired capture drivers always reports
// media as unavailable.
func NewDeviceCapture(_ *slog.Logger) Capture {
	return unsupportedCapture{}
}

func (unsupportedCapture) Acquire(ctx context.Context, _ Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no capture drivers on %s: %w", runtime.GOOS, ErrMediaUnavailable)
}
