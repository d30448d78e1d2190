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

package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"

	"github.com/alexandremahdhaoui/vmshift/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmshift/pkg/execcontext"
)

var (
	ErrTransfer = errors.New("transferring artifacts")

	errUnknownModule     = errors.New("unknown transfer module")
	errLocalDirRequired  = errors.New("local directory must be specified")
	errRemoteDirRequired = errors.New("remote directory must be specified")
)

const defaultRsyncBinary = "rsync"

// --------------------------------------------------- INTERFACE ---------------------------------------------------- //

// Transferer copies a local directory tree to a module on a remote host.
//
// A failed transfer is never retried nor resumed.
type Transferer interface {
	Transfer(ctx context.Context, localDir, remote, module string) error
}

// ----------------------------------------------------- RSYNC ------------------------------------------------------ //

// RsyncOption configures the rsync transferer.
type RsyncOption func(*rsyncTransferer)

// WithRsyncBinary overrides the rsync executable.
func WithRsyncBinary(binary string) RsyncOption {
	return func(t *rsyncTransferer) {
		t.binary = binary
	}
}

// WithRsyncArgs replaces the default rsync flags.
func WithRsyncArgs(args ...string) RsyncOption {
	return func(t *rsyncTransferer) {
		t.args = args
	}
}

// NewRsyncTransferer returns a Transferer pushing directories to an rsync daemon ("<remote>::<module>").
//
// execCtx may be nil.
func NewRsyncTransferer(execCtx execcontext.Context, opts ...RsyncOption) Transferer {
	t := &rsyncTransferer{
		binary:  defaultRsyncBinary,
		args:    []string{"-aPvz"},
		execCtx: execCtx,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

type rsyncTransferer struct {
	binary  string
	args    []string
	execCtx execcontext.Context
}

func (t *rsyncTransferer) Transfer(ctx context.Context, localDir, remote, module string) error {
	if localDir == "" {
		return errors.Join(errLocalDirRequired, ErrTransfer)
	}

	dest := fmt.Sprintf("%s::%s", remote, module)

	args := make([]string, 0, len(t.args)+2)
	args = append(args, t.args...)
	args = append(args, localDir, dest)

	cmd := execcontext.Command(ctx, t.execCtx, t.binary, args...)

	slog.InfoContext(ctx, "starting rsync transfer", "src", localDir, "dest", dest)

	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: rsync %s -> %s exited with status %d: %s",
				ErrTransfer, localDir, dest, exitErr.ExitCode(), strings.TrimSpace(string(output)))
		}

		return errors.Join(err, fmt.Errorf("%w: rsync %s -> %s", ErrTransfer, localDir, dest))
	}

	slog.InfoContext(ctx, "rsync transfer done", "src", localDir, "dest", dest)

	return nil
}

// ----------------------------------------------------- SFTP ------------------------------------------------------- //

// SFTPOption configures the sftp transferer.
type SFTPOption func(*sftpTransferer)

// WithRemoteOwner makes the transferer chown the uploaded tree, e.g. "36:36" for vdsm:kvm. The chown runs under
// execCtx, e.g. behind "sudo". execCtx may be nil.
func WithRemoteOwner(runner ssh.Runner, execCtx execcontext.Context, owner string) SFTPOption {
	if execCtx == nil {
		execCtx = execcontext.New(nil, nil)
	}

	return func(t *sftpTransferer) {
		t.runner = runner
		t.execCtx = execCtx
		t.owner = owner
	}
}

// NewSFTPTransferer returns a Transferer uploading directories over SFTP.
//
// modules maps a module name to the remote directory it stands for. The remote argument of Transfer is only used
// for logging: the host is the one the dialer connects to.
func NewSFTPTransferer(dialer ssh.Dialer, modules map[string]string, opts ...SFTPOption) Transferer {
	t := &sftpTransferer{
		dialer:  dialer,
		modules: modules,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

type sftpTransferer struct {
	dialer  ssh.Dialer
	modules map[string]string

	runner  ssh.Runner
	execCtx execcontext.Context
	owner   string
}

func (t *sftpTransferer) Transfer(ctx context.Context, localDir, remote, module string) error {
	if localDir == "" {
		return errors.Join(errLocalDirRequired, ErrTransfer)
	}

	remoteBase, ok := t.modules[module]
	if !ok {
		return fmt.Errorf("%w: %w: %q", ErrTransfer, errUnknownModule, module)
	}

	if remoteBase == "" {
		return fmt.Errorf("%w: %w: module %q", ErrTransfer, errRemoteDirRequired, module)
	}

	conn, err := t.dialer.Dial()
	if err != nil {
		return errors.Join(err, ErrTransfer)
	}
	defer runFuncAndLogErr(conn.Close)

	client, err := sftp.NewClient(conn)
	if err != nil {
		return errors.Join(err, ErrTransfer)
	}
	defer runFuncAndLogErr(client.Close)

	localDir = filepath.Clean(localDir)
	dest := path.Join(remoteBase, filepath.Base(localDir))

	slog.InfoContext(ctx, "starting sftp transfer", "src", localDir, "remote", remote, "dest", dest)

	if err := uploadTree(ctx, client, localDir, dest); err != nil {
		return errors.Join(err, fmt.Errorf("%w: sftp %s -> %s:%s", ErrTransfer, localDir, remote, dest))
	}

	if t.owner != "" && t.runner != nil {
		if _, stderr, err := t.runner.Run(t.execCtx, "chown", "-R", t.owner, dest); err != nil {
			return errors.Join(err, fmt.Errorf("%w: chown %s: %s", ErrTransfer, dest, stderr))
		}
	}

	slog.InfoContext(ctx, "sftp transfer done", "src", localDir, "dest", dest)

	return nil
}

func uploadTree(ctx context.Context, client *sftp.Client, localDir, dest string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}

		target := path.Join(dest, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return err
			}

			return client.Chmod(target, info.Mode().Perm())
		}

		return uploadFile(client, p, target, info.Mode().Perm())
	})
}

func uploadFile(client *sftp.Client, src, dest string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := client.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return client.Chmod(dest, mode)
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing transfer connection", "err", err.Error())
	}
}
