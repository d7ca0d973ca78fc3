//go:build darwin

package session

func platformEndpoint() string {
	return darwinEndpoint(userHome(), EndpointExists)
}
