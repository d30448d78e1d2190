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

package artifact_test

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmshift/internal/artifact"
	"github.com/alexandremahdhaoui/vmshift/internal/types"
	"github.com/alexandremahdhaoui/vmshift/internal/util/testutil"
)

func TestTransaction(t *testing.T) {
	var (
		domain    testutil.ExportDomain
		set       types.ArtifactSet
		backupDir string

		metadataRepl []types.Replacement
		manifestRepl []types.Replacement
	)

	setup := func(t *testing.T) {
		t.Helper()

		domain = testutil.NewExportDomain(t, t.TempDir(), "sd-src", "dc-src", "vm-1", "grp-1/img-1")
		backupDir = t.TempDir()

		var err error
		set, err = artifact.Locate(domain.Path, domain.SDID, domain.VMID)
		require.NoError(t, err)

		metadataRepl = []types.Replacement{{Old: "sd-src", New: "sd-tgt", Required: true}}
		manifestRepl = []types.Replacement{
			{Old: "sd-src", New: "sd-tgt", Required: true},
			{Old: "dc-src", New: "dc-tgt"},
		}
	}

	t.Run("Commit", func(t *testing.T) {
		setup(t)

		originalManifest := testutil.ReadFile(t, domain.ManifestPath)
		originalMetadata := testutil.ReadFile(t, domain.MetadataPath)

		runID := uuid.New()
		tx := artifact.NewTransaction(backupDir, runID)

		require.NoError(t, tx.Begin(set))
		require.NoError(t, tx.Rewrite(metadataRepl, manifestRepl))
		require.NoError(t, tx.Commit())

		assert.Contains(t, testutil.ReadFile(t, domain.MetadataPath), "DOMAIN=sd-tgt")
		assert.NotContains(t, testutil.ReadFile(t, domain.ManifestPath), "dc-src")

		metadataBackup, manifestBackup := tx.BackupPaths()
		assert.Equal(t, originalMetadata, testutil.ReadFile(t, metadataBackup))
		assert.Equal(t, originalManifest, testutil.ReadFile(t, manifestBackup))

		pending, err := tx.Pending()
		require.NoError(t, err)
		assert.Nil(t, pending)

		committed, err := tx.Committed()
		require.NoError(t, err)
		require.NotNil(t, committed)
		assert.Equal(t, runID, committed.RunID)
		assert.True(t, committed.Matches(set))
		assert.False(t, committed.CommittedAt.IsZero())
	})

	t.Run("PendingMarkerBlocksNextRun", func(t *testing.T) {
		setup(t)

		require.NoError(t, artifact.NewTransaction(backupDir, uuid.New()).Begin(set))

		err := artifact.NewTransaction(backupDir, uuid.New()).Begin(set)
		assert.ErrorIs(t, err, artifact.ErrIncompleteRewrite)
	})

	t.Run("RewriteBeforeBegin", func(t *testing.T) {
		setup(t)

		err := artifact.NewTransaction(backupDir, uuid.New()).Rewrite(metadataRepl, manifestRepl)
		assert.Error(t, err)
	})

	t.Run("ManifestPostconditionLeavesPairUntouched", func(t *testing.T) {
		setup(t)

		originalMetadata := testutil.ReadFile(t, domain.MetadataPath)
		originalManifest := testutil.ReadFile(t, domain.ManifestPath)

		tx := artifact.NewTransaction(backupDir, uuid.New())
		require.NoError(t, tx.Begin(set))

		// the metadata rewrite verifies, the manifest rewrite does not.
		err := tx.Rewrite(metadataRepl, []types.Replacement{{Old: "sd-other", New: "sd-tgt", Required: true}})
		require.ErrorIs(t, err, artifact.ErrPostcondition)
		assert.NotErrorIs(t, err, artifact.ErrIncompleteRewrite)

		assert.Equal(t, originalMetadata, testutil.ReadFile(t, domain.MetadataPath))
		assert.Equal(t, originalManifest, testutil.ReadFile(t, domain.ManifestPath))

		metadataBackup, manifestBackup := tx.BackupPaths()
		assert.NoFileExists(t, metadataBackup)
		assert.NoFileExists(t, manifestBackup)

		pending, err := tx.Pending()
		require.NoError(t, err)
		assert.Nil(t, pending)

		assert.Error(t, tx.Commit())

		// nothing blocks the next run.
		require.NoError(t, artifact.NewTransaction(backupDir, uuid.New()).Begin(set))
	})

	t.Run("MetadataRevertedWhenManifestCannotBeReplaced", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("directory permissions are not enforced for root")
		}

		setup(t)

		originalMetadata := testutil.ReadFile(t, domain.MetadataPath)
		originalManifest := testutil.ReadFile(t, domain.ManifestPath)

		require.NoError(t, os.Chmod(set.ManifestDir, 0o555))
		t.Cleanup(func() { _ = os.Chmod(set.ManifestDir, 0o755) })

		tx := artifact.NewTransaction(backupDir, uuid.New())
		require.NoError(t, tx.Begin(set))

		err := tx.Rewrite(metadataRepl, manifestRepl)
		require.ErrorIs(t, err, artifact.ErrIO)
		assert.NotErrorIs(t, err, artifact.ErrIncompleteRewrite)

		assert.Equal(t, originalMetadata, testutil.ReadFile(t, domain.MetadataPath))
		assert.Equal(t, originalManifest, testutil.ReadFile(t, domain.ManifestPath))

		pending, err := tx.Pending()
		require.NoError(t, err)
		assert.Nil(t, pending)
	})

	t.Run("RollbackAfterCrash", func(t *testing.T) {
		setup(t)

		originalMetadata := testutil.ReadFile(t, domain.MetadataPath)
		originalManifest := testutil.ReadFile(t, domain.ManifestPath)

		// both files are rewritten, the run never commits.
		tx := artifact.NewTransaction(backupDir, uuid.New())
		require.NoError(t, tx.Begin(set))
		require.NoError(t, tx.Rewrite(metadataRepl, manifestRepl))

		pending, err := tx.Pending()
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.True(t, pending.MetadataBackedUp)
		assert.True(t, pending.ManifestBackedUp)

		err = artifact.NewTransaction(backupDir, uuid.New()).Begin(set)
		require.ErrorIs(t, err, artifact.ErrIncompleteRewrite)

		require.NoError(t, artifact.NewTransaction(backupDir, uuid.New()).Rollback())

		assert.Equal(t, originalMetadata, testutil.ReadFile(t, domain.MetadataPath))
		assert.Equal(t, originalManifest, testutil.ReadFile(t, domain.ManifestPath))

		pending, err = tx.Pending()
		require.NoError(t, err)
		assert.Nil(t, pending)

		// a new run can begin once the pair is restored.
		require.NoError(t, artifact.NewTransaction(backupDir, uuid.New()).Begin(set))
	})

	t.Run("RollbackWithoutPendingMarker", func(t *testing.T) {
		setup(t)

		assert.NoError(t, artifact.NewTransaction(backupDir, uuid.New()).Rollback())
	})
}
