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

package ssh_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmshift/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmshift/internal/util/testutil"
	"github.com/alexandremahdhaoui/vmshift/pkg/execcontext"
)

// TestNewClient_Success verifies NewClient() reads the private key file and creates a client.
func TestNewClient_Success(t *testing.T) {
	tempDir := t.TempDir()

	keyPath := filepath.Join(tempDir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key material"), 0o600))

	client, err := ssh.NewClient("rhev-target.example.com", "root", keyPath, "22")
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, "rhev-target.example.com", client.Host)
	assert.Equal(t, "root", client.User)
	assert.Equal(t, "22", client.Port)
	assert.Equal(t, []byte("key material"), client.PrivateKey)
	assert.Equal(t, "rhev-target.example.com:22", client.Addr())
}

// TestNewClient_FileNotFound verifies NewClient() returns error when private key file doesn't exist.
func TestNewClient_FileNotFound(t *testing.T) {
	client, err := ssh.NewClient("test-host", "test-user", "/nonexistent/path/id_rsa", "22")

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "unable to read private key")
}

// TestClient_Dial_InvalidKey verifies Dial() fails before touching the network when the key cannot be parsed.
func TestClient_Dial_InvalidKey(t *testing.T) {
	client := &ssh.Client{
		Host:       "127.0.0.1",
		User:       "root",
		PrivateKey: []byte("not a key"),
		Port:       "22",
	}

	conn, err := client.Dial()
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to parse private key")
}

// TestClient_Run verifies Run() executes the formatted command through a verified connection.
func TestClient_Run(t *testing.T) {
	server := testutil.NewSSHServer(t)
	dir := t.TempDir()

	client, err := ssh.NewClient(server.Host, "root", testutil.WritePrivateKey(t, dir), server.Port)
	require.NoError(t, err)

	client.KnownHostsPath = server.WriteKnownHosts(t, dir)

	stdout, _, err := client.Run(execcontext.New(nil, []string{"sudo"}), "chown", "-R", "36:36", "/exports")
	require.NoError(t, err)

	assert.Equal(t, []string{`"sudo" "chown" "-R" "36:36" "/exports"`}, server.Commands())
	assert.Equal(t, `ran: "sudo" "chown" "-R" "36:36" "/exports"`, stdout)
}

// TestClient_Dial_UnknownHost verifies Dial() rejects a host missing from the known hosts file.
func TestClient_Dial_UnknownHost(t *testing.T) {
	server := testutil.NewSSHServer(t)
	other := testutil.NewSSHServer(t)
	dir := t.TempDir()

	client, err := ssh.NewClient(server.Host, "root", testutil.WritePrivateKey(t, dir), server.Port)
	require.NoError(t, err)

	client.KnownHostsPath = other.WriteKnownHosts(t, dir)

	conn, err := client.Dial()
	assert.Nil(t, conn)
	assert.Error(t, err)
}
