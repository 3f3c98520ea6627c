package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lockedFixture(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	hosts := filepath.Join(dir, "hosts.yaml")
	if err := os.WriteFile(hosts, []byte("- {name: web-01, ip_address: 10.0.0.1, role: web}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, "inventory:\n  hosts_file: hosts.yaml\n")
	return path, hosts
}

func TestGenerateChecksumsThenLoad(t *testing.T) {
	path, hosts := lockedFixture(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	out, err := GenerateChecksums(cfg)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if filepath.Base(out) != ChecksumFile {
		t.Fatalf("manifest written to %s", out)
	}

	manifest, err := LoadChecksums(cfg)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
	if _, ok := manifest.Hashes[hosts]; !ok {
		t.Fatalf("hosts file missing from manifest: %v", manifest.Hashes)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	path, hosts := lockedFixture(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := GenerateChecksums(cfg); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(hosts, []byte("- {name: evil, ip_address: 10.6.6.6, role: web}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch for hosts.yaml") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestLoadWithoutManifestSkipsVerification(t *testing.T) {
	path, _ := lockedFixture(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := LoadChecksums(cfg)
	if err != nil || manifest != nil {
		t.Fatalf("LoadChecksums() = %v, %v; want nil, nil", manifest, err)
	}
}

func TestComputeBlake3HashStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if err := VerifyFileHash(path, a); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Fatal("VerifyFileHash() should fail on mismatch")
	}
}

func TestLoadUnverifiedRelocksTamperedConfig(t *testing.T) {
	path, hosts := lockedFixture(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := GenerateChecksums(cfg); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hosts, []byte("- {name: web-02, ip_address: 10.0.0.2, role: web}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() succeeded on an edited hosts file")
	}

	cfg, err = LoadUnverified(path)
	if err != nil {
		t.Fatalf("LoadUnverified() failed: %v", err)
	}
	if _, err := GenerateChecksums(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after relock failed: %v", err)
	}
}
