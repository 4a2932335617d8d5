package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestSetup_Disabled(t *testing.T) {
	c, err := Setup(Config{})
	if err != nil || c != nil {
		t.Fatalf("expected nil config, got %v %v", c, err)
	}
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := t.TempDir()
	c, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"appvisor.local", "10.0.0.1"}, MinVersion: "1.3"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS13 {
		t.Errorf("min version = %x", c.MinVersion)
	}
	crt, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || crt == nil {
		t.Fatalf("get certificate: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(raw)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if err := cert.VerifyHostname("appvisor.local"); err != nil {
		t.Errorf("dns SAN: %v", err)
	}
	if err := cert.VerifyHostname("10.0.0.1"); err != nil {
		t.Errorf("ip SAN: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, tlsKey))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v", fi.Mode().Perm())
	}

	// existing pair is reused
	if _, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatal(err)
	}
	again, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(again) != string(raw) {
		t.Error("certificate was regenerated")
	}
}

func TestSetup_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]Config{
		"no source":   {Enabled: true},
		"missing dir": {Enabled: true, Dir: dir},
		"bad version": {Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.1"},
		"bad files":   {Enabled: true, CertFile: filepath.Join(dir, "x.crt"), KeyFile: filepath.Join(dir, "x.key")},
	}
	for name, cfg := range cases {
		if _, err := Setup(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
