package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert_DefaultHosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}
	if leaf.NotAfter.Sub(leaf.NotBefore) > 25*time.Hour {
		t.Errorf("validity too long: %v", leaf.NotAfter.Sub(leaf.NotBefore))
	}
	if time.Now().Before(leaf.NotBefore) || time.Now().After(leaf.NotAfter) {
		t.Error("certificate should be valid now")
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
	if leaf.Issuer.String() != leaf.Subject.String() {
		t.Errorf("issuer %q does not match subject %q", leaf.Issuer, leaf.Subject)
	}
}

func TestGenerateSelfSignedCert_CustomHosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mx.quests.test", "::1", "relay.quests.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("Leaf should be populated")
	}
	if leaf.Subject.CommonName != "mx.quests.test" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}
	if !slices.Equal(leaf.DNSNames, []string{"mx.quests.test", "relay.quests.test"}) {
		t.Errorf("DNS SANs: got %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.IPv6loopback) {
		t.Errorf("IP SANs: got %v", leaf.IPAddresses)
	}
	if err := leaf.VerifyHostname("relay.quests.test"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
}

func TestServerConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", cfg.MinVersion, standardtls.VersionTLS12)
	}
}

func TestDefaultPreferencesOrder(t *testing.T) {
	t.Parallel()

	if len(DefaultPreferences) == 0 {
		t.Fatal("DefaultPreferences is empty")
	}
	first := DefaultPreferences[0]
	if first.Max != standardtls.VersionTLS13 || first.Min != standardtls.VersionTLS12 {
		t.Errorf("first preference: got %+v, want TLS1.2-1.3", first)
	}
	for i := 1; i < len(DefaultPreferences); i++ {
		if DefaultPreferences[i].Max > DefaultPreferences[i-1].Max {
			t.Errorf("preference %d offers a newer max version than %d", i, i-1)
		}
	}
}

func TestClientConfig(t *testing.T) {
	t.Parallel()

	pref := VersionPreference{Name: "tls1.2", Min: standardtls.VersionTLS12, Max: standardtls.VersionTLS12}
	cfg := ClientConfig("smtp.example.com", true, pref)

	if cfg.ServerName != "smtp.example.com" {
		t.Errorf("ServerName: got %q", cfg.ServerName)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify: got false, want true")
	}
	if cfg.MinVersion != standardtls.VersionTLS12 || cfg.MaxVersion != standardtls.VersionTLS12 {
		t.Errorf("versions: got %x-%x", cfg.MinVersion, cfg.MaxVersion)
	}
}

func TestClientHandshakeWithSelfSignedServer(t *testing.T) {
	t.Parallel()

	serverCfg, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- standardtls.Server(serverConn, serverCfg).Handshake()
	}()

	client := standardtls.Client(clientConn, ClientConfig("localhost", true, DefaultPreferences[0]))
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestClientRejectsSelfSignedWhenVerifying(t *testing.T) {
	t.Parallel()

	serverCfg, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		_ = standardtls.Server(serverConn, serverCfg).Handshake()
		serverConn.Close()
	}()

	client := standardtls.Client(clientConn, ClientConfig("localhost", false, DefaultPreferences[0]))
	if err := client.Handshake(); err == nil {
		t.Fatal("expected certificate verification failure, got nil")
	}
}
