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
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ExportDomain describes an export storage domain laid out on disk by NewExportDomain.
type ExportDomain struct {
	Path string
	SDID string
	DCID string

	VMID     string
	ImageRef string

	ManifestPath  string
	DiskImagePath string
	MetadataPath  string
}

// NewExportDomain lays out the artifacts of one exported VM under root:
//
//	<root>/<sdID>/master/vms/<vmID>/<vmID>.ovf
//	<root>/<sdID>/images/<imageRef>
//	<root>/<sdID>/images/<imageRef>.meta
func NewExportDomain(tb testing.TB, root, sdID, dcID, vmID, imageRef string) ExportDomain {
	tb.Helper()

	d := ExportDomain{
		Path:          root,
		SDID:          sdID,
		DCID:          dcID,
		VMID:          vmID,
		ImageRef:      imageRef,
		ManifestPath:  filepath.Join(root, sdID, "master", "vms", vmID, vmID+".ovf"),
		DiskImagePath: filepath.Join(root, sdID, "images", filepath.FromSlash(imageRef)),
	}
	d.MetadataPath = d.DiskImagePath + ".meta"

	WriteFile(tb, d.ManifestPath, NewOVF(imageRef, sdID, dcID))
	WriteFile(tb, d.DiskImagePath, "QFI\xfb disk image bytes")
	WriteFile(tb, d.MetadataPath, NewMetadata(sdID, path.Dir(imageRef)))

	return d
}

// WriteFile writes content to p, creating its parent directories.
func WriteFile(tb testing.TB, p, content string) {
	tb.Helper()

	require.NoError(tb, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(tb, os.WriteFile(p, []byte(content), 0o644))
}

// ReadFile returns the content of p.
func ReadFile(tb testing.TB, p string) string {
	tb.Helper()

	b, err := os.ReadFile(p)
	require.NoError(tb, err)

	return string(b)
}
