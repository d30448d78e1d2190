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
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmshift/internal/artifact"
	"github.com/alexandremahdhaoui/vmshift/internal/util/testutil"
)

func writeManifest(t *testing.T, sdPath, sdID, vmID, content string) string {
	t.Helper()

	p := artifact.ManifestPath(sdPath, sdID, vmID)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func TestManifestPath(t *testing.T) {
	assert.Equal(t, "/exports/sd-1/master/vms/vm-9/vm-9.ovf", artifact.ManifestPath("/exports", "sd-1", "vm-9"))
}

func TestParseManifest(t *testing.T) {
	t.Run("NamespacedAttributes", func(t *testing.T) {
		imageRef, fileID, err := artifact.ParseManifest(strings.NewReader(testutil.NewOVF("grp-1/img-1", "sd-src", "dc-src")))
		require.NoError(t, err)
		assert.Equal(t, "grp-1/img-1", imageRef)
		assert.Equal(t, "img-1", fileID)
	})

	t.Run("UnprefixedAttributes", func(t *testing.T) {
		doc := `<Envelope><References><File href="g/i" id="i"/></References></Envelope>`

		imageRef, fileID, err := artifact.ParseManifest(strings.NewReader(doc))
		require.NoError(t, err)
		assert.Equal(t, "g/i", imageRef)
		assert.Equal(t, "i", fileID)
	})

	t.Run("SkipsFileWithoutHref", func(t *testing.T) {
		doc := `<Envelope><References><File id="x"/><File href="g/second"/></References></Envelope>`

		imageRef, fileID, err := artifact.ParseManifest(strings.NewReader(doc))
		require.NoError(t, err)
		assert.Equal(t, "g/second", imageRef)
		assert.Empty(t, fileID)
	})

	t.Run("MissingReference", func(t *testing.T) {
		doc := `<Envelope><References/><Section/></Envelope>`

		_, _, err := artifact.ParseManifest(strings.NewReader(doc))
		assert.ErrorIs(t, err, artifact.ErrMalformedManifest)
	})

	t.Run("InvalidXML", func(t *testing.T) {
		_, _, err := artifact.ParseManifest(strings.NewReader("<Envelope><References>"))
		assert.ErrorIs(t, err, artifact.ErrMalformedManifest)
	})
}

func TestLocate(t *testing.T) {
	t.Run("BareImageReference", func(t *testing.T) {
		sdPath := t.TempDir()
		writeManifest(t, sdPath, "sd-1", "vm-9", testutil.NewOVF("d3f1.img", "sd-1", "dc-1"))

		// the images directory itself must never become the transferred directory.
		_, err := artifact.Locate(sdPath, "sd-1", "vm-9")
		assert.ErrorIs(t, err, artifact.ErrMalformedManifest)
		assert.ErrorContains(t, err, "no image group")
	})

	t.Run("ImageGroupReference", func(t *testing.T) {
		sdPath := t.TempDir()
		writeManifest(t, sdPath, "sd-1", "vm-9", testutil.NewOVF("grp-1/img-1", "sd-1", "dc-1"))

		set, err := artifact.Locate(sdPath, "sd-1", "vm-9")
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(sdPath, "sd-1/master/vms/vm-9/vm-9.ovf"), set.ManifestPath)
		assert.Equal(t, filepath.Join(sdPath, "sd-1/master/vms/vm-9"), set.ManifestDir)
		assert.Equal(t, filepath.Join(sdPath, "sd-1/images/grp-1/img-1"), set.DiskImagePath)
		assert.Equal(t, filepath.Join(sdPath, "sd-1/images/grp-1/img-1.meta"), set.MetadataPath)
		assert.Equal(t, filepath.Join(sdPath, "sd-1/images/grp-1"), set.MetadataDir)
		assert.Equal(t, "grp-1/img-1", set.ImageRef)
		assert.Equal(t, "img-1", set.FileID)
	})

	t.Run("MissingManifest", func(t *testing.T) {
		_, err := artifact.Locate(t.TempDir(), "sd-1", "vm-9")
		assert.ErrorIs(t, err, artifact.ErrIO)
		assert.NotErrorIs(t, err, artifact.ErrMalformedManifest)
	})

	for _, ref := range []string{"/etc/passwd", "../../escape", "grp/../img", "grp//img", "grp/"} {
		t.Run("InvalidReference "+ref, func(t *testing.T) {
			sdPath := t.TempDir()
			writeManifest(t, sdPath, "sd-1", "vm-9", testutil.NewOVF(ref, "sd-1", "dc-1"))

			_, err := artifact.Locate(sdPath, "sd-1", "vm-9")
			assert.ErrorIs(t, err, artifact.ErrMalformedManifest)
		})
	}
}
