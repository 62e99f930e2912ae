//go:build !darwin

package node

// OpenPreferences is only available on macOS.
func OpenPreferences(string) error {
	return ErrUnsupported
}
