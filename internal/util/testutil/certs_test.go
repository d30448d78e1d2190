//go:build unit

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

package testutil_test

import (
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmshift/internal/util/testutil"
	"github.com/alexandremahdhaoui/vmshift/internal/util/tlsutil"
)

func TestTestCA(t *testing.T) {
	ca, err := testutil.NewTestCA()
	require.NoError(t, err)

	caPath := ca.WriteCACert(t, t.TempDir())
	b, err := os.ReadFile(caPath)
	require.NoError(t, err)
	assert.Equal(t, ca.CertPEM(), b)
}

func TestNewTLSServer(t *testing.T) {
	ca, err := testutil.NewTestCA()
	require.NoError(t, err)

	_, serverURL := testutil.NewTLSServer(t, ca, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tlsConfig, err := tlsutil.BuildClientTLSConfig(tlsutil.ClientConfig{CAPath: ca.WriteCACert(t, t.TempDir())})
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}

	resp, err := client.Get(serverURL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
