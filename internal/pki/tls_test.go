// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testCerts holds the paths of a freshly generated test PKI: one CA, one
// relay (server) leaf, one peer (client) leaf.
type testCerts struct {
	CAPath        string
	RelayCertPath string
	RelayKeyPath  string
	PeerCertPath  string
	PeerKeyPath   string
}

func generateTestCerts(t *testing.T) *testCerts {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Lockstep Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	certs := &testCerts{CAPath: filepath.Join(dir, "ca.pem")}
	writePEM(t, certs.CAPath, "CERTIFICATE", caDER)

	leaf := func(serial int64, cn string, usage []x509.ExtKeyUsage, server bool) (string, string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generating %s key: %v", cn, err)
		}
		template := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now(),
			NotAfter:     time.Now().Add(1 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  usage,
		}
		if server {
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
			template.DNSNames = []string{"localhost"}
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
		if err != nil {
			t.Fatalf("creating %s certificate: %v", cn, err)
		}
		certPath := filepath.Join(dir, cn+".pem")
		keyPath := filepath.Join(dir, cn+"-key.pem")
		writePEM(t, certPath, "CERTIFICATE", der)
		writeKeyPEM(t, keyPath, key)
		return certPath, keyPath
	}

	certs.RelayCertPath, certs.RelayKeyPath = leaf(2, "relay",
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, true)
	certs.PeerCertPath, certs.PeerKeyPath = leaf(3, "peer-0",
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)
	return certs
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
}

func writeKeyPEM(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling EC key: %v", err)
	}
	writePEM(t, path, "EC PRIVATE KEY", der)
}

func TestNewClientTLSConfig(t *testing.T) {
	certs := generateTestCerts(t)

	cfg, err := NewClientTLSConfig(certs.CAPath, certs.PeerCertPath, certs.PeerKeyPath)
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion = %d, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 || cfg.RootCAs == nil {
		t.Fatalf("client config missing leaf certificate or CA pool")
	}
}

func TestNewServerTLSConfig(t *testing.T) {
	certs := generateTestCerts(t)

	cfg, err := NewServerTLSConfig(certs.CAPath, certs.RelayCertPath, certs.RelayKeyPath)
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion = %d, want TLS 1.3", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("ClientAuth = %d, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Fatalf("server config missing client CA pool")
	}
}

func TestMutualTLSRoundTrip(t *testing.T) {
	certs := generateTestCerts(t)

	serverCfg, err := NewServerTLSConfig(certs.CAPath, certs.RelayCertPath, certs.RelayKeyPath)
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	clientCfg, err := NewClientTLSConfig(certs.CAPath, certs.PeerCertPath, certs.PeerKeyPath)
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		// Echo one message back, forcing the handshake in the process.
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			done <- err
			return
		}
		_, err = conn.Write(buf[:n])
		done <- err
	}()

	clientCfg.ServerName = "localhost"
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello relay")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("writing over mTLS: %v", err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("echo = %q, want %q", buf[:n], msg)
	}
	if err := <-done; err != nil {
		t.Fatalf("relay side: %v", err)
	}
}

func TestMutualTLSRejectsUntrustedPeer(t *testing.T) {
	certs := generateTestCerts(t)

	serverCfg, err := NewServerTLSConfig(certs.CAPath, certs.RelayCertPath, certs.RelayKeyPath)
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}

	// A self-signed peer certificate, not issued by the shared CA.
	rogueKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	rogueTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "rogue-peer"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	rogueDER, _ := x509.CreateCertificate(rand.Reader, rogueTemplate, rogueTemplate, &rogueKey.PublicKey, rogueKey)

	dir := t.TempDir()
	rogueCertPath := filepath.Join(dir, "rogue.pem")
	rogueKeyPath := filepath.Join(dir, "rogue-key.pem")
	writePEM(t, rogueCertPath, "CERTIFICATE", rogueDER)
	writeKeyPEM(t, rogueKeyPath, rogueKey)

	clientCfg, err := NewClientTLSConfig(certs.CAPath, rogueCertPath, rogueKeyPath)
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.(*tls.Conn).Handshake()
	}()

	clientCfg.ServerName = "localhost"
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		return // rejected at dial time
	}
	defer conn.Close()

	// TLS 1.3 may not surface the rejection until the first round trip.
	if _, err := conn.Write([]byte("x")); err == nil {
		buf := make([]byte, 8)
		if _, readErr := conn.Read(buf); readErr == nil {
			t.Fatalf("relay accepted a peer certificate the CA never signed")
		}
	}
}

func TestNewClientTLSConfigBadCA(t *testing.T) {
	certs := generateTestCerts(t)

	dir := t.TempDir()
	badCA := filepath.Join(dir, "bad-ca.pem")
	os.WriteFile(badCA, []byte("not a certificate"), 0644)

	if _, err := NewClientTLSConfig(badCA, certs.PeerCertPath, certs.PeerKeyPath); err == nil {
		t.Fatalf("expected an error for an unparseable CA file")
	}
	if _, err := NewClientTLSConfig(certs.CAPath, "/nonexistent/peer.pem", "/nonexistent/peer-key.pem"); err == nil {
		t.Fatalf("expected an error for missing leaf files")
	}
}
