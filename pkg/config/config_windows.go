//go:build windows
// +build windows

package config

// ensurePrivate is a no-op on Windows. POSIX permission bits do not map onto
// ACLs, so the check would always fail there.
func ensurePrivate(_ string) error {
	return nil
}
