//go:build windows

package session

func platformEndpoint() string {
	return windowsEndpoint(userHome())
}
