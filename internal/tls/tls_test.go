package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/noctua-obs/noctua/internal/config"
)

func TestEasySetupGeneratesAndLoads(t *testing.T) {
	dir := t.TempDir()

	cfg, err := EasySetup(dir, true)
	if err != nil {
		t.Fatalf("EasySetup: %v", err)
	}
	if cfg == nil || cfg.GetCertificate == nil {
		t.Fatal("expected a TLS config with a certificate loader")
	}

	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil || len(cert.Certificate) == 0 {
		t.Fatal("expected a loaded certificate")
	}
}

func TestSetupDisabledReturnsNil(t *testing.T) {
	cfg, err := Setup(config.ServerConfig{Listen: ":8015"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config when TLS is disabled, got %+v", cfg)
	}
}

func TestSetupRequiresCertSource(t *testing.T) {
	_, err := Setup(config.ServerConfig{
		TLS: &config.TLSConfig{Enabled: true},
	})
	if err == nil {
		t.Fatal("expected error when no certificate source is configured")
	}
}

func TestResolveTLSVersions(t *testing.T) {
	minVer, maxVer := resolveTLSVersions(config.ServerConfig{TLSMinVersion: "1.2"})
	if minVer != tls.VersionTLS12 || maxVer != tls.VersionTLS13 {
		t.Fatalf("unexpected versions: min=%x max=%x", minVer, maxVer)
	}

	minVer, maxVer = resolveTLSVersions(config.ServerConfig{})
	if minVer != tls.VersionTLS13 || maxVer != tls.VersionTLS13 {
		t.Fatalf("defaults should be 1.3: min=%x max=%x", minVer, maxVer)
	}
}
