//go:build darwin

package node

import "os/exec"

var launch = func(url string) error {
	cmd := exec.Command("open", url)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// OpenPreferences opens the privacy pane named pane in System Settings.
func OpenPreferences(pane string) error {
	url, err := PreferenceURL(pane)
	if err != nil {
		return err
	}
	return launch(url)
}
