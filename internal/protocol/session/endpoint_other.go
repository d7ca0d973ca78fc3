//go:build !windows && !darwin

package session

import "os"

func platformEndpoint() string {
	return linuxEndpoint(userHome(), os.Getenv("XDG_CACHE_HOME"))
}
