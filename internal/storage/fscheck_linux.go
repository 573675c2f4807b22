//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type magic numbers for the network filesystems we refuse.
const (
	magicNFS  = 0x6969
	magicCIFS = 0xFF534D42
	magicSMB  = 0x517B
	magicSMB2 = 0xFE534D42
)

func filesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	switch kind := uint64(st.Type); kind {
	case magicNFS:
		return "nfs", nil
	case magicCIFS:
		return "cifs", nil
	case magicSMB:
		return "smbfs", nil
	case magicSMB2:
		return "smb2", nil
	default:
		return fmt.Sprintf("0x%x", kind), nil
	}
}
