package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// Config selects the management API certificate. CertFile/KeyFile win over Dir;
// with Dir and AutoGenerate a self-signed pair is created on first use.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // SANs for generated certs
	MinVersion   string   `mapstructure:"min_version"`
}

// parseVersion maps "1.2"/"1.3" to the crypto/tls constant. Empty means 1.2.
func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// Setup returns nil, nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case cfg.Dir != "":
		certPath = filepath.Join(cfg.Dir, tlsCrt)
		keyPath = filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			hosts := cfg.Hosts
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1"}
			}
			if err := GenerateSelfSigned(certPath, keyPath, hosts); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	default:
		return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloadingCert(certPath, keyPath),
	}, nil
}

// reloadingCert reads the pair on every handshake so rotated files are picked
// up without a restart.
func reloadingCert(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
