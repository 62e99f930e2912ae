// Package node describes the machine the supervisor runs on.
package node

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

var (
	// ErrUnknownPane is returned for a preference pane name that has no mapping.
	ErrUnknownPane = errors.New("unknown preference pane")
	// ErrUnsupported is returned where system preferences cannot be opened.
	ErrUnsupported = errors.New("system preferences not supported on this platform")
)

// Info identifies this node to the UI.
type Info struct {
	NodeID       string   `json:"node_id"`
	DisplayName  string   `json:"display_name"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// hostname is replaceable in tests.
var hostname = func() string {
	if hi, err := host.Info(); err == nil && hi.Hostname != "" {
		return hi.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "Unknown"
}

// NewInfo builds the node description. The node id is fresh on every call.
func NewInfo(version string) Info {
	return Info{
		NodeID:       "node-" + uuid.NewString()[:8],
		DisplayName:  hostname(),
		Platform:     Platform(runtime.GOOS),
		Version:      version,
		Capabilities: Capabilities(runtime.GOOS),
	}
}

// Platform maps a GOOS value to the platform names the UI expects.
func Platform(goos string) string {
	switch goos {
	case "darwin":
		return "darwin"
	case "windows":
		return "win32"
	case "linux":
		return "linux"
	default:
		return "unknown"
	}
}

// Capabilities lists what this node can do for the given GOOS.
func Capabilities(goos string) []string {
	caps := []string{"system.run", "system.which", "system.notify"}
	if goos == "darwin" {
		caps = append(caps, "camera.snap", "screen.record", "location.get")
	}
	return caps
}

const privacyPrefix = "x-apple.systempreferences:com.apple.preference.security?"

var paneAnchors = map[string]string{
	"camera":        "Privacy_Camera",
	"screen":        "Privacy_ScreenCapture",
	"location":      "Privacy_LocationServices",
	"accessibility": "Privacy_Accessibility",
}

// PreferenceURL returns the macOS settings URL for pane.
func PreferenceURL(pane string) (string, error) {
	anchor, ok := paneAnchors[pane]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPane, pane)
	}
	return privacyPrefix + anchor, nil
}
