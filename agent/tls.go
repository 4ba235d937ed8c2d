package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// certLifetime is how long generated certs are valid. They are meant for one agent run.
const certLifetime = 7 * 24 * time.Hour

// Certs is a private CA plus the agent (server) and client key pairs it signed.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	CA     KeyPair
	Server KeyPair
	Client KeyPair
}

// KeyPair is a PEM-encoded certificate and its private key.
type KeyPair struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	cert *x509.Certificate
	key  crypto.Signer
}

// GenerateCerts issues a CA, a server cert valid for hosts, and a client cert.
// Each host is an IP address or a DNS name the agent is reached at; an address with a port
// is accepted as well, so a listen address can be passed as is.
func GenerateCerts(hosts ...string) (*Certs, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one agent host is required")
	}
	var (
		ips      []net.IP
		dnsNames []string
		cn       string
	)
	for _, h := range hosts {
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if cn == "" {
			cn = h
		}
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}

	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "spawner agent CA"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("issuing CA cert: %w", err)
	}

	server, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: cn},
		IPAddresses: ips,
		DNSNames:    dnsNames,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("issuing server cert: %w", err)
	}

	client, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "spawner client"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("issuing client cert: %w", err)
	}

	return &Certs{CA: ca, Server: server, Client: client}, nil
}

// issue fills in serial and validity, generates a key and signs tmpl with parent,
// or self-signs it if parent is nil.
func issue(tmpl *x509.Certificate, parent *KeyPair) (KeyPair, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return KeyPair{}, fmt.Errorf("getting random serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = tmpl.NotBefore.Add(certLifetime)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating key: %w", err)
	}

	signerCert, signerKey := tmpl, crypto.Signer(key)
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, key.Public(), signerKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parsing created cert: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return KeyPair{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		cert:         cert,
		key:          key,
	}, nil
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}
	return pool, nil
}

// ClientTLSConfig trusts only the given CA and presents the given client cert.
func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig requires clients to present a cert signed by the given CA.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}
