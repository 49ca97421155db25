//go:build !windows
// +build !windows

package config

import (
	"fmt"
	"os"
	"syscall"
)

// ensurePrivate rejects configuration files that other users could read or
// swap out. Sink credentials (object store keys, database DSNs) ride in the
// same file as the job description, so the file must be 0600 and owned by
// the invoking user.
func ensurePrivate(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error examining file %s: %w", path, err)
	}
	if fi.Mode().Perm() != 0600 {
		return fmt.Errorf("file %s had permission %#o which was not expected 0600", path, fi.Mode().Perm())
	}

	var stat syscall.Stat_t
	if err := syscall.Stat(path, &stat); err != nil {
		return fmt.Errorf("unable to determine ownership of file %s: %w", path, err)
	}
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	if stat.Uid != uid || stat.Gid != gid {
		return fmt.Errorf("file %s was not owned by uid=%d gid=%d", path, uid, gid)
	}

	return nil
}
