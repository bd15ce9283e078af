// Package config loads a node's NodeConfig from YAML, overlays environment
// variables for secrets that shouldn't live in the config file, and loads
// the mutual-TLS trust material (CA chain, client certificate, client key)
// a node needs to dial its server.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/wakenode/micnode/internal/domain"
)

// Load reads the YAML config at path, fills defaults and validates it
// (via LoadFromReader), then overlays a sibling .env file (if present)
// over ServerURI/TrustDir; the overlaid values are not re-validated. It
// is the entry point cmd/micnode uses at boot.
func Load(path string) (*domain.NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", domain.ErrConfigInvalid, path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", domain.ErrConfigInvalid, path, err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		env, loadErr := godotenv.Read(envPath)
		if loadErr != nil {
			return nil, fmt.Errorf("%w: read %q: %v", domain.ErrConfigInvalid, envPath, loadErr)
		}
		applyEnvOverlay(cfg, env)
	}

	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates it, without
// touching the filesystem for an env overlay. Used directly by tests.
func LoadFromReader(r io.Reader) (*domain.NodeConfig, error) {
	cfg := &domain.NodeConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Defaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverlay lets deployment secrets (server URI, trust directory)
// override the checked-in config file without editing it.
func applyEnvOverlay(cfg *domain.NodeConfig, env map[string]string) {
	if v, ok := env["MICNODE_SERVER_URI"]; ok && v != "" {
		cfg.ServerURI = v
	}
	if v, ok := env["MICNODE_TRUST_DIR"]; ok && v != "" {
		cfg.TrustDir = v
	}
}

// Validate checks cfg for internal consistency, returning a joined error
// listing every problem found.
func Validate(cfg *domain.NodeConfig) error {
	var errs []error

	if cfg.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if cfg.RoomID == "" {
		errs = append(errs, errors.New("room_id is required"))
	}
	if cfg.ServerURI == "" {
		errs = append(errs, errors.New("server_uri is required"))
	}
	if cfg.WakeWordThreshold < 0 || cfg.WakeWordThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake_word_threshold %v out of range [0,1]", cfg.WakeWordThreshold))
	}
	if cfg.TrustDir == "" {
		errs = append(errs, errors.New("trust_dir is required for mutual TLS"))
	}
	if cfg.ModelPath == "" {
		errs = append(errs, errors.New("model_path is required"))
	}
	if cfg.BackBufferMs < 300 {
		slog.Warn("back_buffer_ms below the 300ms pre-roll floor named in the data model", "back_buffer_ms", cfg.BackBufferMs)
	}

	return errors.Join(errs...)
}

// TrustMaterial is the mutual-TLS identity and trust anchor a node needs
// to dial its server: a client certificate/key pair and a CA pool the
// server's certificate must chain to.
type TrustMaterial struct {
	ClientCert tls.Certificate
	CAPool     *x509.CertPool
}

// LoadTrustMaterial reads ca.pem, client.pem, and client-key.pem from dir.
func LoadTrustMaterial(dir string) (*TrustMaterial, error) {
	caPath := filepath.Join(dir, "ca.pem")
	certPath := filepath.Join(dir, "client.pem")
	keyPath := filepath.Join(dir, "client-key.pem")

	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read CA chain %q: %v", domain.ErrConfigInvalid, caPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("%w: %q contains no usable certificates", domain.ErrConfigInvalid, caPath)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load client keypair (%q, %q): %v", domain.ErrConfigInvalid, certPath, keyPath, err)
	}

	return &TrustMaterial{ClientCert: cert, CAPool: pool}, nil
}

// TLSConfig builds the tls.Config a SecureLink dial uses: the node's
// client certificate for mutual auth, and the CA pool the server's leaf
// certificate must chain to. serverName sets SNI and drives hostname
// validation against the server's SAN.
func (t *TrustMaterial) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.ClientCert},
		RootCAs:      t.CAPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
}
