package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to the config file by `config lock`.
const ChecksumFile = ".checksums"

// ChecksumManifest records the expected BLAKE3 hash of each locked file, keyed by absolute path.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// LockedFiles returns the files covered by the manifest: the config file and, when set,
// the inventory hosts file.
func LockedFiles(cfg *Config) []string {
	files := []string{cfg.SourcePath}
	if cfg.Inventory.HostsFile != "" {
		files = append(files, cfg.Inventory.HostsFile)
	}
	return files
}

func checksumPath(cfg *Config) string {
	return filepath.Join(filepath.Dir(cfg.SourcePath), ChecksumFile)
}

// GenerateChecksums hashes every locked file and writes the manifest. It returns the
// manifest path.
func GenerateChecksums(cfg *Config) (string, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	for _, path := range LockedFiles(cfg) {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		manifest.Hashes[path] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Write with restrictive permissions (contains expected hashes)
	out := checksumPath(cfg)
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return out, nil
}

// LoadChecksums reads the manifest next to the config file. It returns (nil, nil) when
// no manifest exists.
func LoadChecksums(cfg *Config) (*ChecksumManifest, error) {
	data, err := os.ReadFile(checksumPath(cfg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks every locked file against the manifest, if one exists.
func VerifyChecksums(cfg *Config) error {
	manifest, err := LoadChecksums(cfg)
	if err != nil || manifest == nil {
		return err
	}

	for _, path := range LockedFiles(cfg) {
		expectedHash, ok := manifest.Hashes[path]
		if !ok {
			return fmt.Errorf("%s has no hash in %s (run 'provisiond config lock')", path, ChecksumFile)
		}
		if err := VerifyFileHash(path, expectedHash); err != nil {
			return fmt.Errorf("config integrity check failed: %w\n"+
				"If you edited this file intentionally, run: provisiond config lock", err)
		}
	}
	return nil
}
