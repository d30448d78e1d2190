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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

var (
	// ErrIncompleteRewrite is returned when a rewrite may have left the pair half rewritten.
	ErrIncompleteRewrite = errors.New("a previous rewrite did not commit")

	errTransactionNotBegun = errors.New("transaction has not begun")
)

const (
	pendingMarkerName   = "vmshift.rewrite.pending"
	committedMarkerName = "vmshift.rewrite.committed"

	metadataBackupName = "vm.meta.bak"
	manifestBackupName = "vm.ovf.bak"
)

// Marker is the content of the pending and committed marker files.
type Marker struct {
	RunID          uuid.UUID `json:"runID"`
	ManifestPath   string    `json:"manifestPath"`
	MetadataPath   string    `json:"metadataPath"`
	ManifestBackup string    `json:"manifestBackup"`
	MetadataBackup string    `json:"metadataBackup"`
	StartedAt      time.Time `json:"startedAt"`
	CommittedAt    time.Time `json:"committedAt,omitempty"`

	// MetadataBackedUp and ManifestBackedUp are set once this run wrote the backup of the file.
	MetadataBackedUp bool `json:"metadataBackedUp"`
	ManifestBackedUp bool `json:"manifestBackedUp"`
}

// Matches returns true if the marker describes the given artifact set.
func (m Marker) Matches(set types.ArtifactSet) bool {
	return m.ManifestPath == set.ManifestPath && m.MetadataPath == set.MetadataPath
}

// Transaction rewrites the metadata and manifest files of an artifact set as one unit.
//
// A pending marker is written before the first file is touched and renamed to the committed marker once both
// files are rewritten. A pending marker found on a later run means the pair may be half rewritten.
type Transaction struct {
	dir   string
	runID uuid.UUID

	marker *Marker
}

// NewTransaction returns a transaction keeping its backups and markers in dir.
func NewTransaction(dir string, runID uuid.UUID) *Transaction {
	return &Transaction{dir: dir, runID: runID}
}

// BackupPaths returns where the metadata and manifest backups are written.
func (t *Transaction) BackupPaths() (metadata, manifest string) {
	return filepath.Join(t.dir, metadataBackupName), filepath.Join(t.dir, manifestBackupName)
}

// Pending returns the marker of a rewrite that never committed, if any.
func (t *Transaction) Pending() (*Marker, error) {
	return readMarker(filepath.Join(t.dir, pendingMarkerName))
}

// Committed returns the marker of the last committed rewrite, if any.
func (t *Transaction) Committed() (*Marker, error) {
	return readMarker(filepath.Join(t.dir, committedMarkerName))
}

// Begin writes the pending marker. It fails with ErrIncompleteRewrite if one already exists.
func (t *Transaction) Begin(set types.ArtifactSet) error {
	pending, err := t.Pending()
	if err != nil {
		return err
	}

	if pending != nil {
		return fmt.Errorf("%w: run %s left %s pending, restore from %s and %s",
			ErrIncompleteRewrite, pending.RunID, pending.ManifestPath, pending.ManifestBackup, pending.MetadataBackup)
	}

	metadataBackup, manifestBackup := t.BackupPaths()
	t.marker = &Marker{ //nolint:exhaustruct
		RunID:          t.runID,
		ManifestPath:   set.ManifestPath,
		MetadataPath:   set.MetadataPath,
		ManifestBackup: manifestBackup,
		MetadataBackup: metadataBackup,
		StartedAt:      time.Now().UTC(),
	}

	return writeMarker(filepath.Join(t.dir, pendingMarkerName), t.marker)
}

// Rewrite rewrites the metadata file with metadataRepl and the manifest with manifestRepl.
//
// Both rewrites are applied and verified in memory before anything is written. The two backups are then written
// and the files replaced, metadata first. The metadata file is reverted when the manifest cannot be replaced.
// A failure that leaves both files as they were also removes the pending marker: only a crash leaves it behind.
func (t *Transaction) Rewrite(metadataRepl, manifestRepl []types.Replacement) error {
	if t.marker == nil {
		return errTransactionNotBegun
	}

	metadata, err := prepare(t.marker.MetadataPath, t.marker.MetadataBackup, metadataRepl)
	if err != nil {
		return t.abort(err)
	}

	manifest, err := prepare(t.marker.ManifestPath, t.marker.ManifestBackup, manifestRepl)
	if err != nil {
		return t.abort(err)
	}

	if err := metadata.backup(); err != nil {
		return t.abort(err)
	}

	if err := manifest.backup(); err != nil {
		return t.abort(err)
	}

	t.marker.MetadataBackedUp = true
	t.marker.ManifestBackedUp = true

	if err := writeMarker(filepath.Join(t.dir, pendingMarkerName), t.marker); err != nil {
		return t.abort(err)
	}

	if err := metadata.commit(); err != nil {
		return t.abort(err)
	}

	if err := manifest.commit(); err != nil {
		if revertErr := metadata.revert(); revertErr != nil {
			return errors.Join(err, revertErr, ErrIncompleteRewrite)
		}

		return t.abort(err)
	}

	return nil
}

// abort ends a transaction whose files were left untouched, returning cause.
func (t *Transaction) abort(cause error) error {
	t.marker = nil

	if err := os.Remove(filepath.Join(t.dir, pendingMarkerName)); err != nil && !os.IsNotExist(err) {
		return errors.Join(cause, err, fmt.Errorf("%w: removing pending marker", ErrIO))
	}

	return cause
}

// Commit marks both files as rewritten.
func (t *Transaction) Commit() error {
	if t.marker == nil {
		return errTransactionNotBegun
	}

	t.marker.CommittedAt = time.Now().UTC()

	pendingPath := filepath.Join(t.dir, pendingMarkerName)
	if err := writeMarker(pendingPath, t.marker); err != nil {
		return err
	}

	if err := os.Rename(pendingPath, filepath.Join(t.dir, committedMarkerName)); err != nil {
		return errors.Join(err, fmt.Errorf("%w: committing rewrite", ErrIO))
	}

	return nil
}

// Rollback restores the files recorded in the pending marker from their backups and removes the marker.
//
// A file whose backup was not written by the pending run was not modified and is left untouched.
func (t *Transaction) Rollback() error {
	pending, err := t.Pending()
	if err != nil {
		return err
	}

	if pending == nil {
		return nil
	}

	if pending.MetadataBackedUp {
		if err := Restore(pending.MetadataBackup, pending.MetadataPath); err != nil {
			return err
		}
	}

	if pending.ManifestBackedUp {
		if err := Restore(pending.ManifestBackup, pending.ManifestPath); err != nil {
			return err
		}
	}

	if err := os.Remove(filepath.Join(t.dir, pendingMarkerName)); err != nil {
		return errors.Join(err, ErrIO)
	}

	return nil
}

func readMarker(path string) (*Marker, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("%w: reading marker %s", ErrIO, path))
	}

	m := new(Marker)
	if err := json.Unmarshal(b, m); err != nil {
		return nil, errors.Join(err, fmt.Errorf("%w: parsing marker %s", ErrIO, path))
	}

	return m, nil
}

func writeMarker(path string, m *Marker) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := writeFileAtomic(filepath.Dir(path), path, b, 0o600); err != nil {
		return errors.Join(err, fmt.Errorf("%w: writing marker %s", ErrIO, path))
	}

	return nil
}
