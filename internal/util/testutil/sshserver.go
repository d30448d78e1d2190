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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// SSHServer is an in-process SSH server accepting any client. It serves the "sftp" subsystem on the local
// filesystem and answers "exec" requests by echoing the command.
type SSHServer struct {
	Host    string
	Port    string
	HostKey ssh.PublicKey

	mu       sync.Mutex
	commands []string
}

// NewSSHServer starts an SSH server on the loopback interface. It is stopped when the test ends.
func NewSSHServer(tb testing.TB) *SSHServer {
	tb.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(tb, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(tb, err)

	config := &ssh.ServerConfig{NoClientAuth: true} //nolint:exhaustruct
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = ln.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(tb, err)

	s := &SSHServer{Host: host, Port: port, HostKey: signer.PublicKey()} //nolint:exhaustruct

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go s.serveConn(conn, config)
		}
	}()

	return s
}

// Dial connects to the server, verifying its host key.
func (s *SSHServer) Dial() (*ssh.Client, error) {
	return ssh.Dial("tcp", net.JoinHostPort(s.Host, s.Port), &ssh.ClientConfig{ //nolint:exhaustruct
		User:            "root",
		HostKeyCallback: ssh.FixedHostKey(s.HostKey),
	})
}

// Commands returns the commands received through "exec" requests.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// WriteKnownHosts writes a known_hosts file trusting the server and returns its path.
func (s *SSHServer) WriteKnownHosts(tb testing.TB, dir string) string {
	tb.Helper()

	line := fmt.Sprintf("[%s]:%s %s", s.Host, s.Port, ssh.MarshalAuthorizedKey(s.HostKey))
	p := filepath.Join(dir, "known_hosts")
	require.NoError(tb, os.WriteFile(p, []byte(line), 0o600))

	return p
}

// WritePrivateKey writes a new OpenSSH private key into dir and returns its path.
func WritePrivateKey(tb testing.TB, dir string) string {
	tb.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(tb, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(tb, err)

	p := filepath.Join(dir, "id_ed25519")
	require.NoError(tb, os.WriteFile(p, pem.EncodeToMemory(block), 0o600))

	return p
}

func (s *SSHServer) serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}

		go s.serveSession(ch, requests)
	}
}

func (s *SSHServer) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}

			_ = req.Reply(true, nil)

			go func() {
				defer ch.Close()

				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}

				_ = server.Serve()
			}()
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}

			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			_, _ = fmt.Fprintf(ch, "ran: %s", payload.Command)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			_ = ch.Close()
		default:
			_ = req.Reply(false, nil)
		}
	}
}
