package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ValidateLocalFilesystem ensures path lives on a local filesystem. The state
// file relies on rename(2) atomicity, the run lock on flock(2), and SQLite on
// POSIX locking; none of these are reliable over network mounts. Platforms
// without detection support pass.
func ValidateLocalFilesystem(path, setting string) error {
	err := validateFilesystemWithDetector(path, setting, filesystemType)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	return err
}

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

func validateFilesystemWithDetector(path, setting string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s is empty", setting)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"%s %q is on network filesystem %q; outdial requires a local filesystem for atomic writes and locking. Point %s at local disk",
			setting,
			path,
			fsType,
			setting,
		)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
