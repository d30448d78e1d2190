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

package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

var (
	ErrIO            = errors.New("artifact i/o")
	ErrPostcondition = errors.New("rewrite post-condition violated")

	errEmptyOldID = errors.New("replacement has an empty old id")
)

// Apply applies each replacement as a global literal substitution, in order.
//
// Later replacements see the output of earlier ones: (A->B),(B->C) turns every A into C.
// It returns the transformed content and the number of substitutions each replacement made.
func Apply(content string, replacements []types.Replacement) (string, []int, error) {
	counts := make([]int, len(replacements))

	for i, r := range replacements {
		if r.Old == "" {
			return "", nil, fmt.Errorf("%w: replacement %d", errEmptyOldID, i)
		}

		counts[i] = strings.Count(content, r.Old)
		content = strings.ReplaceAll(content, r.Old, r.New)
	}

	return content, counts, nil
}

// verify checks the output of Apply: required replacements matched at least once, and no old id survives unless
// a replacement of the same sequence re-introduces it.
func verify(out string, counts []int, replacements []types.Replacement) error {
	var errs []error

	for i, r := range replacements {
		if r.Required && counts[i] == 0 {
			errs = append(errs, fmt.Errorf("%w: %q not found", ErrPostcondition, r.Old))
			continue
		}

		if !strings.Contains(out, r.Old) || reintroduced(r.Old, replacements[i:]) {
			continue
		}

		errs = append(errs, fmt.Errorf("%w: %q still present after rewrite", ErrPostcondition, r.Old))
	}

	return errors.Join(errs...)
}

func reintroduced(old string, replacements []types.Replacement) bool {
	for _, r := range replacements {
		if strings.Contains(r.New, old) {
			return true
		}
	}

	return false
}

// Rewrite substitutes identifiers in the file at path.
//
// The unmodified content is written to backupPath before the file is touched. The file is then replaced
// atomically, keeping its permissions. Nothing is written when the replacements do not verify.
func Rewrite(path, backupPath string, replacements []types.Replacement) error {
	return rewrite(path, backupPath, replacements, nil)
}

// rewrite implements Rewrite. afterBackup, when set, runs once the backup is on disk and before path is replaced.
func rewrite(path, backupPath string, replacements []types.Replacement, afterBackup func() error) error {
	e, err := prepare(path, backupPath, replacements)
	if err != nil {
		return err
	}

	if err := e.backup(); err != nil {
		return err
	}

	if afterBackup != nil {
		if err := afterBackup(); err != nil {
			return err
		}
	}

	return e.commit()
}

// edit is a verified rewrite of one file, held in memory until committed.
type edit struct {
	path       string
	backupPath string
	perm       fs.FileMode

	original  []byte
	rewritten []byte
}

// prepare reads the file at path and applies the replacements in memory. Nothing is written.
func prepare(path, backupPath string, replacements []types.Replacement) (*edit, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("%w: stat %s", ErrIO, path))
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("%w: reading %s", ErrIO, path))
	}

	out, counts, err := Apply(string(original), replacements)
	if err != nil {
		return nil, err
	}

	if err := verify(out, counts, replacements); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &edit{
		path:       path,
		backupPath: backupPath,
		perm:       info.Mode().Perm(),
		original:   original,
		rewritten:  []byte(out),
	}, nil
}

// backup writes the unmodified content to the backup path.
func (e *edit) backup() error {
	if err := writeFileAtomic(filepath.Dir(e.backupPath), e.backupPath, e.original, 0o600); err != nil {
		return errors.Join(err, fmt.Errorf("%w: writing backup %s", ErrIO, e.backupPath))
	}

	return nil
}

// commit replaces the file with its rewritten content.
func (e *edit) commit() error {
	if err := writeFileAtomic(stagingDir(e.path), e.path, e.rewritten, e.perm); err != nil {
		return errors.Join(err, fmt.Errorf("%w: writing %s", ErrIO, e.path))
	}

	return nil
}

// revert puts the content read by prepare back in place.
func (e *edit) revert() error {
	if err := writeFileAtomic(stagingDir(e.path), e.path, e.original, e.perm); err != nil {
		return errors.Join(err, fmt.Errorf("%w: restoring %s", ErrIO, e.path))
	}

	return nil
}

// Restore copies backupPath over path.
func Restore(backupPath, path string) error {
	b, err := os.ReadFile(backupPath)
	if err != nil {
		return errors.Join(err, fmt.Errorf("%w: reading backup %s", ErrIO, backupPath))
	}

	perm := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	if err := writeFileAtomic(stagingDir(path), path, b, perm); err != nil {
		return errors.Join(err, fmt.Errorf("%w: restoring %s", ErrIO, path))
	}

	return nil
}

// stagingDir returns where the temporary file replacing path is staged: the parent of the directory holding path.
//
// Manifest and image group directories are transferred whole, their parents never are. A temporary file left by a
// crash therefore cannot be shipped to the target site.
func stagingDir(path string) string {
	return filepath.Dir(filepath.Dir(path))
}

// writeFileAtomic stages data in a temporary file under tempDir and renames it over path.
//
// tempDir must be on the same filesystem as path.
func writeFileAtomic(tempDir, path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := renameio.TempFile(tempDir, path)
	if err != nil {
		return err
	}
	defer f.Cleanup() //nolint:errcheck // no-op once replaced

	if _, err := f.Write(data); err != nil {
		return err
	}

	if err := f.Chmod(perm); err != nil {
		return err
	}

	return f.CloseAtomicallyReplace()
}
