package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint returns a short BLAKE3 digest of the loaded config file so runs
// can be correlated with the exact policy they ran under.
func (c *Config) Fingerprint() string {
	if c.SourcePath == "" {
		return "defaults"
	}
	h, err := ComputeBlake3Hash(c.SourcePath)
	if err != nil {
		return "unknown"
	}
	return h[:16]
}
