/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


// Package certutil issues short-lived certificates for management endpoints served in tests.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"time"
)

var (
	ErrIssuingCertificate = errors.New("issuing certificate")

	errHostRequired = errors.New("at least one host is required")
)

const (
	organization = "vmshift test authority"
	validity     = 2 * time.Hour
)

// CA is a self-signed certificate authority.
type CA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	pool *x509.CertPool
}

// NewCA returns a new CA valid for the next couple of hours.
func NewCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Join(err, ErrIssuingCertificate)
	}

	template, err := newTemplate()
	if err != nil {
		return nil, err
	}

	template.Subject.CommonName = organization
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature

	cert, err := sign(template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &CA{key: key, cert: cert, pool: pool}, nil
}

// Pool returns a pool trusting only this CA.
func (ca *CA) Pool() *x509.CertPool {
	return ca.pool
}

// CertPEM returns the CA certificate, the trust anchor handed to clients.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// Issue returns a server certificate for hosts. Hosts parsing as an IP address become IP SANs, the others DNS
// SANs.
func (ca *CA) Issue(hosts ...string) (tls.Certificate, error) {
	keyPEM, certPEM, err := ca.IssuePEM(hosts...)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Join(err, ErrIssuingCertificate)
	}

	return cert, nil
}

// IssuePEM is like Issue but returns the PKCS8 key and the certificate PEM encoded.
func (ca *CA) IssuePEM(hosts ...string) (keyPEM, certPEM []byte, err error) {
	if len(hosts) == 0 {
		return nil, nil, errors.Join(errHostRequired, ErrIssuingCertificate)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Join(err, ErrIssuingCertificate)
	}

	template, err := newTemplate()
	if err != nil {
		return nil, nil, err
	}

	template.Subject.CommonName = hosts[0]
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}

		template.DNSNames = append(template.DNSNames, h)
	}

	cert, err := sign(template, ca.cert, key.Public(), ca.key)
	if err != nil {
		return nil, nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, errors.Join(err, ErrIssuingCertificate)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		nil
}

func newTemplate() (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Join(err, ErrIssuingCertificate)
	}

	now := time.Now()

	return &x509.Certificate{ //nolint:exhaustruct
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{organization}}, //nolint:exhaustruct
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
	}, nil
}

func sign(template, parent *x509.Certificate, pub any, priv *ecdsa.PrivateKey) (*x509.Certificate, error) {
	raw, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	if err != nil {
		return nil, errors.Join(err, ErrIssuingCertificate)
	}

	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, errors.Join(err, ErrIssuingCertificate)
	}

	return cert, nil
}
