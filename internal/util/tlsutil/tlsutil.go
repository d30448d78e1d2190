// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tlsutil provides utilities for building TLS configurations.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrCANotFound is returned when the CA file does not exist.
	ErrCANotFound = errors.New("CA file not found")
	// ErrLoadCAFailed is returned when loading the CA file fails.
	ErrLoadCAFailed = errors.New("failed to load CA file")
	// ErrParseCAFailed is returned when parsing the CA certificate fails.
	ErrParseCAFailed = errors.New("failed to parse CA certificate")
	// ErrTrustAnchorRequired is returned when neither a CA file nor insecure mode is configured.
	ErrTrustAnchorRequired = errors.New("a CA file is required unless insecure is set")
)

// ClientConfig holds the trust parameters used to reach a remote endpoint.
type ClientConfig struct {
	// CAPath is the path to the PEM encoded trust anchor.
	CAPath string
	// ServerName overrides the name used to verify the server certificate.
	ServerName string
	// Insecure disables server certificate verification.
	Insecure bool
}

// BuildClientTLSConfig builds a tls.Config that trusts only the certificates found in config.CAPath.
//
// Returns an error if:
//   - CAPath is empty and Insecure is false
//   - CAPath does not exist
//   - Loading or parsing the CA certificate fails
func BuildClientTLSConfig(config ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{ //nolint:exhaustruct
		MinVersion: tls.VersionTLS12,
		ServerName: config.ServerName,
	}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true //nolint:gosec
		return tlsConfig, nil
	}

	if config.CAPath == "" {
		return nil, ErrTrustAnchorRequired
	}

	if _, err := os.Stat(config.CAPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrCANotFound, config.CAPath)
	}

	caBytes, err := os.ReadFile(config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadCAFailed, err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, ErrParseCAFailed
	}

	tlsConfig.RootCAs = caPool

	return tlsConfig, nil
}
