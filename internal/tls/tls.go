// Package tls holds the client TLS settings used for STARTTLS and implicit
// TLS, and generates throwaway server certificates for local test servers.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// defaultHosts are the names a generated certificate covers when none are given.
var defaultHosts = []string{"localhost", "127.0.0.1"}

// GenerateSelfSignedCert creates an in-memory ECDSA P-256 certificate for
// hosts, valid for one day. IP literals become IP SANs and everything else
// a DNS SAN; the first host is also the common name.
func GenerateSelfSignedCert(hosts ...string) (*tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = defaultHosts
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// ServerConfig returns a server-side tls.Config around a freshly generated
// certificate for hosts. Only TLS 1.2 and later are accepted.
func ServerConfig(hosts ...string) (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert(hosts...)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// VersionPreference is one protocol-version range offered during a TLS
// handshake.
type VersionPreference struct {
	Name string
	Min  uint16
	Max  uint16
}

// DefaultPreferences is the order in which STARTTLS upgrades are attempted.
// The first range whose handshake succeeds wins.
var DefaultPreferences = []VersionPreference{
	{Name: "tls1.2+", Min: tls.VersionTLS12, Max: tls.VersionTLS13},
	{Name: "tls1.2", Min: tls.VersionTLS12, Max: tls.VersionTLS12},
	{Name: "tls1.0-1.1", Min: tls.VersionTLS10, Max: tls.VersionTLS11},
}

// ClientConfig returns a client tls.Config for serverName restricted to the
// versions in pref. With skipVerify the server certificate is not checked,
// which allows self-signed relays.
func ClientConfig(serverName string, skipVerify bool, pref VersionPreference) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: skipVerify,
		MinVersion:         pref.Min,
		MaxVersion:         pref.Max,
	}
}
