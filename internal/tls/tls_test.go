package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func leafOf(t *testing.T, cert *standardtls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return leaf
}

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("relay.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := leafOf(t, cert)

	if leaf.Subject.CommonName != "relay.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "relay.example.com")
	}
	for _, name := range []string{"localhost", "relay.example.com"} {
		if !slices.Contains(leaf.DNSNames, name) {
			t.Errorf("DNS SANs: %v does not contain %s", leaf.DNSNames, name)
		}
	}

	foundIP := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "127.0.0.1" {
			foundIP = true
		}
	}
	if !foundIP {
		t.Errorf("IP SANs: %v does not contain 127.0.0.1", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	if validDuration < selfSignedValidity || validDuration > selfSignedValidity+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, selfSignedValidity)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	if err := leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature); err != nil {
		t.Errorf("certificate should be self-signed: %v", err)
	}
}

func TestGenerateSelfSignedCert_DefaultsAndDedup(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := leafOf(t, cert)

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want localhost", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 {
		t.Errorf("DNS SANs: got %v, want just localhost", leaf.DNSNames)
	}

	ipCert, err := GenerateSelfSignedCert("10.1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(leafOf(t, ipCert).IPAddresses); got != 2 {
		t.Errorf("IP SANs: got %d, want 2", got)
	}
}

func TestLoad_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := Load("", "", "relay.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2", tlsConfig.MinVersion)
	}
	if tlsConfig.MaxVersion != standardtls.VersionTLS13 {
		t.Errorf("MaxVersion: got %d, want TLS 1.3", tlsConfig.MaxVersion)
	}
}

func TestLoad_FromFiles(t *testing.T) {
	t.Parallel()

	generated, err := GenerateSelfSignedCert("files.test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(generated.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: generated.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	tlsConfig, err := Load(certPath, keyPath, "ignored.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := leafOf(t, &tlsConfig.Certificates[0])
	if leaf.Subject.CommonName != "files.test" {
		t.Errorf("CN: got %q, want the certificate from disk", leaf.Subject.CommonName)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
	if _, err := Load("/some/cert.pem", "", ""); !errors.Is(err, ErrIncompleteKeyPair) {
		t.Errorf("cert only: got %v, want ErrIncompleteKeyPair", err)
	}
	if _, err := Load("", "/some/key.pem", ""); !errors.Is(err, ErrIncompleteKeyPair) {
		t.Errorf("key only: got %v, want ErrIncompleteKeyPair", err)
	}
}
