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

package testutil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmshift/internal/util/certutil"
)

// TestCA is a certutil.CA with helpers writing its trust anchor to disk.
type TestCA struct {
	*certutil.CA
}

// NewTestCA creates a new test CA.
func NewTestCA() (*TestCA, error) {
	ca, err := certutil.NewCA()
	if err != nil {
		return nil, err
	}

	return &TestCA{CA: ca}, nil
}

// WriteCACert writes the CA certificate into dir and returns its path, as an endpoint CAFile.
func (t *TestCA) WriteCACert(tb testing.TB, dir string) string {
	tb.Helper()

	p := filepath.Join(dir, "ca.pem")
	require.NoError(tb, os.WriteFile(p, t.CertPEM(), 0o644))

	return p
}

// NewTLSServer starts an httptest server presenting a certificate issued by ca for "localhost".
//
// The returned URL uses the "localhost" host name so that clients trusting the CA can verify it.
func NewTLSServer(tb testing.TB, ca *TestCA, handler http.Handler) (*httptest.Server, string) {
	tb.Helper()

	cert, err := ca.Issue("localhost", "127.0.0.1")
	require.NoError(tb, err)

	server := httptest.NewUnstartedServer(handler)
	server.TLS = &tls.Config{ //nolint:exhaustruct
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	server.StartTLS()
	tb.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(tb, err)
	u.Host = "localhost:" + u.Port()

	return server, u.String()
}
