//go:build windows

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

const pipeBusyRetry = 50 * time.Millisecond

// dialEndpoint opens the named pipe as a file, retrying while every pipe instance is busy.
func dialEndpoint(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	for {
		f, err := os.OpenFile(endpoint, os.O_RDWR, 0)
		if err == nil {
			return f, nil
		}
		switch {
		case errors.Is(err, windows.ERROR_FILE_NOT_FOUND):
			return nil, fmt.Errorf("%w: %v", ErrEndpointMissing, err)
		case errors.Is(err, windows.ERROR_PIPE_BUSY):
			timer := time.NewTimer(pipeBusyRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		default:
			return nil, err
		}
	}
}
