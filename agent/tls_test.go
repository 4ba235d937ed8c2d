package agent

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCert(t *testing.T, pemBytes []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestGenerateCertsForHosts(t *testing.T) {
	certs, err := GenerateCerts("127.0.0.1:8080", "agent.local", "::1")
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certs.CA.CertPEMBytes))

	server := parseCert(t, certs.Server.CertPEMBytes)
	for _, host := range []string{"127.0.0.1", "agent.local", "::1"} {
		_, err := server.Verify(x509.VerifyOptions{DNSName: host, Roots: roots})
		assert.NoError(t, err, host)
	}
	_, err = server.Verify(x509.VerifyOptions{DNSName: "10.0.0.1", Roots: roots})
	assert.Error(t, err)

	client := parseCert(t, certs.Client.CertPEMBytes)
	_, err = client.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	_, err = ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	assert.NoError(t, err)
	_, err = ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	assert.NoError(t, err)
}

func TestGenerateCertsNeedsAHost(t *testing.T) {
	_, err := GenerateCerts()
	assert.Error(t, err)
}

func TestTLSConfigRejectsBadPEM(t *testing.T) {
	certs, err := GenerateCerts("localhost")
	require.NoError(t, err)
	_, err = ServerTLSConfig([]byte("nope"), certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	assert.ErrorContains(t, err, "no CA certs")
}
