package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

type textRenderer interface {
	text() string
}

func render(w io.Writer, format string, v textRenderer) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprintln(w, v.text())
		return err
	}
}

type availableResult struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Available bool   `json:"available" yaml:"available"`
}

func (r availableResult) text() string {
	if r.Available {
		return "desktop app endpoint found: " + r.Endpoint
	}
	return "desktop app endpoint not found: " + r.Endpoint
}

type statusResult struct {
	UserID      string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Code        int    `json:"code" yaml:"code"`
	Status      string `json:"status" yaml:"status"`
	Description string `json:"description" yaml:"description"`
}

func (r statusResult) text() string {
	return fmt.Sprintf("%s (%d): %s", r.Status, r.Code, r.Description)
}

type unlockResult struct {
	UserID     string `json:"user_id" yaml:"user_id"`
	UserKeyB64 string `json:"user_key_b64" yaml:"user_key_b64"`
}

func (r unlockResult) text() string {
	return r.UserKeyB64
}

type authenticateResult struct {
	Authenticated bool `json:"authenticated" yaml:"authenticated"`
}

func (r authenticateResult) text() string {
	return strconv.FormatBool(r.Authenticated)
}

var (
	bannerTitle  = lipgloss.NewStyle().Bold(true)
	bannerPhrase = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14")).
			PaddingLeft(2)
	bannerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// renderFingerprint is written to stderr so it never mixes with command output.
func renderFingerprint(w io.Writer, phrase []string) {
	body := lipgloss.JoinVertical(lipgloss.Left,
		bannerTitle.Render("Bitwarden Desktop App Verification"),
		"Verify this fingerprint matches the one shown in the Desktop app:",
		"",
		bannerPhrase.Render(strings.Join(phrase, "-")),
		"",
		"Accept the connection in the Desktop app to continue.",
	)
	fmt.Fprintln(w, bannerBox.Render(body))
}
