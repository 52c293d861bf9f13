package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

const renewBefore = 30 * 24 * time.Hour

func selfSignedTLSConfig(domain string) (*tls.Config, error) {
	hosts := []string{"localhost"}
	if domain != "" {
		hosts = []string{domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts, time.Now())
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a one-year certificate for hosts. Entries that parse as IP
// addresses become IP SANs.
func generateSelfSignedCert(hosts []string, now time.Time) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	var dnsNames []string
	var ipAddrs []net.IP
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	var commonName string
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else {
		commonName = ipAddrs[0].String()
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"GoodListener Development"},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certBuffer := new(bytes.Buffer)
	if err := pem.Encode(certBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyBuffer := new(bytes.Buffer)
	if err := pem.Encode(keyBuffer, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	return certBuffer.Bytes(), keyBuffer.Bytes(), nil
}

// startCertificateRenewal checks the cached certificate once after startup and then monthly.
func startCertificateRenewal(m *autocert.Manager, domain string, logger *slog.Logger) {
	time.Sleep(30 * time.Second)

	ticker := time.NewTicker(30 * 24 * time.Hour)
	defer ticker.Stop()

	checkAndRenewCertificate(m, domain, logger)
	for range ticker.C {
		checkAndRenewCertificate(m, domain, logger)
	}
}

func checkAndRenewCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	logger = logger.With("component", "cert", "domain", domain)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil {
		logger.Error("error getting certificate, will be obtained on next request", "error", err)
		return
	}
	if cert == nil || len(cert.Certificate) == 0 {
		logger.Error("no certificate in cache, will be obtained on next request")
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			logger.Error("error parsing certificate", "error", err)
			return
		}
	}

	if !needsRenewal(leaf.NotAfter, time.Now()) {
		logger.Info("certificate still valid", "expires", leaf.NotAfter.Format("2006-01-02"))
		return
	}

	logger.Info("certificate expires soon, triggering renewal", "expires", leaf.NotAfter.Format("2006-01-02"))
	if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
		logger.Error("error during renewal", "error", err)
	}
}

func needsRenewal(notAfter, now time.Time) bool {
	return notAfter.Sub(now) < renewBefore
}
