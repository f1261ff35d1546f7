package supervisor

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// certLifetime only has to outlast the supervisor: a new CA is minted every time one starts.
const certLifetime = 7 * 24 * time.Hour

// keyPair is a PEM-encoded certificate and its PKCS#8 private key.
type keyPair struct {
	certPEM []byte
	keyPEM  []byte
}

// Certs is the throwaway PKI of one supervisor. Only processes started by it get the worker key,
// so nothing else on the host can dial the channel and read the credentials it carries.
type Certs struct {
	caPEM  []byte
	server keyPair
	worker keyPair
}

// GenerateCerts mints a CA and issues the listener and worker certs from it.
func GenerateCerts() (*Certs, error) {
	now := time.Now()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	caTmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "nativebridge channel CA"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := issue(caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("issuing CA cert: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA cert: %w", err)
	}

	server, err := issueLeaf(caCert, caKey, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "supervisor"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("issuing listener cert: %w", err)
	}
	worker, err := issueLeaf(caCert, caKey, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "worker"},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("issuing worker cert: %w", err)
	}

	return &Certs{
		caPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		server: server,
		worker: worker,
	}, nil
}

func issue(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	return x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
}

func issueLeaf(ca *x509.Certificate, caKey crypto.Signer, tmpl *x509.Certificate) (keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return keyPair{}, fmt.Errorf("generating key: %w", err)
	}
	tmpl.NotBefore = ca.NotBefore
	tmpl.NotAfter = ca.NotAfter
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	der, err := issue(tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return keyPair{}, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return keyPair{}, fmt.Errorf("marshaling key: %w", err)
	}
	return keyPair{
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// ListenerTLSConfig requires every worker to present a cert from this CA.
func (c *Certs) ListenerTLSConfig() (*tls.Config, error) {
	pool, cert, err := loadPair(c.caPEM, c.server)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// WorkerEnv returns the environment entries WorkerTLSConfig reads back in the worker.
func (c *Certs) WorkerEnv() []string {
	enc := base64.StdEncoding.EncodeToString
	return []string{
		EnvWorkerCACertPEM + "=" + enc(c.caPEM),
		EnvWorkerCertPEM + "=" + enc(c.worker.certPEM),
		EnvWorkerKeyPEM + "=" + enc(c.worker.keyPEM),
	}
}

// WorkerTLSConfig builds the worker's client config from the base64 PEM values of its environment.
func WorkerTLSConfig(caCertPEM, certPEM, keyPEM string) (*tls.Config, error) {
	var decoded [3][]byte
	for i, v := range []string{caCertPEM, certPEM, keyPEM} {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", []string{EnvWorkerCACertPEM, EnvWorkerCertPEM, EnvWorkerKeyPEM}[i], err)
		}
		decoded[i] = b
	}
	pool, cert, err := loadPair(decoded[0], keyPair{certPEM: decoded[1], keyPEM: decoded[2]})
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loadPair(caPEM []byte, kp keyPair) (*x509.CertPool, tls.Certificate, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, tls.Certificate{}, errors.New("no CA certs found in PEM")
	}
	cert, err := tls.X509KeyPair(kp.certPEM, kp.keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	return pool, cert, nil
}
