package session

import (
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
)

const (
	desktopAppID   = "com.bitwarden.desktop"
	macAppGroupID  = "LTZ2PFU5D6.com.bitwarden.desktop"
	endpointSuffix = "s.bw"
)

// DefaultEndpoint resolves the desktop app's socket path or pipe name for this host.
// It never fails; an empty or missing endpoint is checked with EndpointExists.
func DefaultEndpoint() string {
	return platformEndpoint()
}

// EndpointExists is a non-blocking existence check.
func EndpointExists(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	_, err := os.Stat(endpoint)
	return err == nil
}

// linuxEndpoint: $XDG_CACHE_HOME/com.bitwarden.desktop/s.bw, else ~/.cache/...
func linuxEndpoint(home, xdgCache string) string {
	cache := xdgCache
	if cache == "" {
		if home == "" {
			return ""
		}
		cache = filepath.Join(home, ".cache")
	}
	return filepath.Join(cache, desktopAppID, endpointSuffix)
}

// windowsEndpoint: \\.\pipe\<urlsafe-b64(sha256(home))>.s.bw
func windowsEndpoint(home string) string {
	sum := sha256.Sum256([]byte(home))
	return `\\.\pipe\` + base64.RawURLEncoding.EncodeToString(sum[:]) + "." + endpointSuffix
}

// darwinEndpoint prefers the sandboxed App Group socket, then the cache socket,
// and falls back to the sandboxed path when neither exists.
func darwinEndpoint(home string, exists func(string) bool) string {
	if home == "" {
		return ""
	}
	sandboxed := filepath.Join(home, "Library", "Group Containers", macAppGroupID, endpointSuffix)
	unsandboxed := filepath.Join(home, "Library", "Caches", desktopAppID, endpointSuffix)
	if exists(sandboxed) {
		return sandboxed
	}
	if exists(unsandboxed) {
		return unsandboxed
	}
	return sandboxed
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
