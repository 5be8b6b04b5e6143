package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/pkg/security"
)

// generateTestCert creates a self-signed certificate for testing
func generateTestCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Home"},
			CommonName:   "localhost",
		},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

// setupTestFiles creates temporary cert/key files for testing
func setupTestFiles(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()

	tmpDir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t)

	certFile = filepath.Join(tmpDir, "cert.pem")
	keyFile = filepath.Join(tmpDir, "key.pem")
	caFile = filepath.Join(tmpDir, "ca.pem")

	require.NoError(t, os.WriteFile(certFile, certPEM, 0644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0644))
	return certFile, keyFile, caFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile, _ := setupTestFiles(t)

	tests := []struct {
		name    string
		cfg     security.ServerTLSConfig
		wantNil bool
		wantErr bool
		minVer  uint16
	}{
		{name: "disabled", cfg: security.ServerTLSConfig{Enabled: false}, wantNil: true},
		{name: "default version", cfg: security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}, minVer: tls.VersionTLS12},
		{name: "tls 1.3", cfg: security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"}, minVer: tls.VersionTLS13},
		{name: "missing cert", cfg: security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: keyFile}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, 1)
			assert.Equal(t, tt.minVer, cfg.MinVersion)
		})
	}
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)

	t.Run("system pool only", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{})
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
		assert.False(t, cfg.InsecureSkipVerify)
		assert.Empty(t, cfg.Certificates)
	})

	t.Run("additional CA", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{caFile}, MinVersion: "1.3"})
		require.NoError(t, err)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

		data, err := os.ReadFile(caFile)
		require.NoError(t, err)
		block, _ := pem.Decode(data)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		_, err = cert.Verify(x509.VerifyOptions{Roots: cfg.RootCAs, DNSName: "localhost"})
		assert.NoError(t, err)
	})

	t.Run("bad CA file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0644))
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{bad}})
		assert.Error(t, err)

		_, err = LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
		assert.Error(t, err)
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{InsecureSkipVerify: true})
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("client certificate", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
			MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
		})
		require.NoError(t, err)
		assert.Len(t, cfg.Certificates, 1)

		_, err = LoadClientTLSConfig(security.ClientTLSConfig{MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: certFile}})
		assert.True(t, errors.IsInvalid(err))
	})
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}
