package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/pkg/security"
)

type testCert struct {
	certFile string
	keyFile  string
	cert     *x509.Certificate
}

// writeTestCert writes a self-signed certificate and key for cn into t's temp dir
func writeTestCert(t *testing.T, cn string) testCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	tc := testCert{
		certFile: filepath.Join(dir, cn+".pem"),
		keyFile:  filepath.Join(dir, cn+"-key.pem"),
		cert:     cert,
	}
	require.NoError(t, os.WriteFile(tc.certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(tc.keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return tc
}

func TestLoadServerTLSConfig(t *testing.T) {
	server := writeTestCert(t, "localhost")

	tests := []struct {
		name    string
		cfg     security.ServerTLSConfig
		wantNil bool
		wantErr bool
		wantMin uint16
	}{
		{name: "disabled", cfg: security.ServerTLSConfig{}, wantNil: true},
		{
			name:    "tls 1.3",
			cfg:     security.ServerTLSConfig{Enabled: true, CertFile: server.certFile, KeyFile: server.keyFile, MinVersion: "1.3"},
			wantMin: tls.VersionTLS13,
		},
		{
			name:    "default version",
			cfg:     security.ServerTLSConfig{Enabled: true, CertFile: server.certFile, KeyFile: server.keyFile},
			wantMin: tls.VersionTLS12,
		},
		{
			name:    "missing cert",
			cfg:     security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: server.keyFile},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Len(t, got.Certificates, 1)
			assert.Equal(t, tt.wantMin, got.MinVersion)
			assert.Equal(t, tls.NoClientCert, got.ClientAuth)
		})
	}
}

func TestLoadServerTLSConfig_MTLS(t *testing.T) {
	server := writeTestCert(t, "localhost")
	clientCA := writeTestCert(t, "dashboard")

	base := security.ServerTLSConfig{Enabled: true, CertFile: server.certFile, KeyFile: server.keyFile}

	t.Run("required", func(t *testing.T) {
		cfg := base
		cfg.MTLS = security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{clientCA.certFile}, RequireClientCert: true}
		got, err := LoadServerTLSConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, tls.RequireAndVerifyClientCert, got.ClientAuth)
		assert.NotNil(t, got.ClientCAs)
		assert.Nil(t, got.VerifyPeerCertificate)
	})

	t.Run("optional with CN whitelist", func(t *testing.T) {
		cfg := base
		cfg.MTLS = security.ServerMTLSConfig{
			Enabled:          true,
			ClientCAFiles:    []string{clientCA.certFile},
			AllowedClientCNs: []string{"dashboard"},
		}
		got, err := LoadServerTLSConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, tls.VerifyClientCertIfGiven, got.ClientAuth)
		require.NotNil(t, got.VerifyPeerCertificate)
		assert.NoError(t, got.VerifyPeerCertificate(nil, [][]*x509.Certificate{{clientCA.cert}}))
		assert.Error(t, got.VerifyPeerCertificate(nil, [][]*x509.Certificate{{server.cert}}))
	})

	t.Run("missing client CA", func(t *testing.T) {
		cfg := base
		cfg.MTLS = security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{"/nonexistent/ca.pem"}}
		_, err := LoadServerTLSConfig(cfg)
		require.Error(t, err)
	})

	t.Run("invalid PEM", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o644))

		cfg := base
		cfg.MTLS = security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{bad}}
		_, err := LoadServerTLSConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid PEM data")
	})
}

func TestVerifyAllowedClientCN(t *testing.T) {
	cert := writeTestCert(t, "dashboard")

	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{cert.cert}}, []string{"other", "dashboard"}))
	assert.Error(t, verifyAllowedClientCN([][]*x509.Certificate{{cert.cert}}, []string{"other"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"dashboard"}))
}

func TestLoadClientTLSConfig(t *testing.T) {
	ca := writeTestCert(t, "nats-ca")
	client := writeTestCert(t, "memhook")

	t.Run("defaults", func(t *testing.T) {
		got, err := LoadClientTLSConfig(security.ClientTLSConfig{})
		require.NoError(t, err)
		assert.NotNil(t, got.RootCAs)
		assert.Equal(t, uint16(tls.VersionTLS12), got.MinVersion)
		assert.False(t, got.InsecureSkipVerify)
		assert.Empty(t, got.Certificates)
	})

	t.Run("extra CA and client certificate", func(t *testing.T) {
		got, err := LoadClientTLSConfig(security.ClientTLSConfig{
			CAFiles:    []string{ca.certFile},
			MinVersion: "1.3",
			MTLS:       security.ClientMTLSConfig{Enabled: true, CertFile: client.certFile, KeyFile: client.keyFile},
		})
		require.NoError(t, err)
		assert.Equal(t, uint16(tls.VersionTLS13), got.MinVersion)
		assert.Len(t, got.Certificates, 1)

		_, err = ca.cert.Verify(x509.VerifyOptions{Roots: got.RootCAs})
		assert.NoError(t, err)
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		got, err := LoadClientTLSConfig(security.ClientTLSConfig{InsecureSkipVerify: true})
		require.NoError(t, err)
		assert.True(t, got.InsecureSkipVerify)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("missing client key", func(t *testing.T) {
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{
			MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: client.certFile, KeyFile: "/nonexistent/key.pem"},
		})
		require.Error(t, err)
	})
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.1"))
}
