//go:build !windows

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
)

func dialEndpoint(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrEndpointMissing, err)
		}
		return nil, err
	}
	return conn, nil
}
