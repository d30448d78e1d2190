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

// Package artifact locates and rewrites the files an export storage domain holds for an exported VM.
//
// Layout of an export storage domain:
//
//	<sdPath>/<sdID>/master/vms/<vmID>/<vmID>.ovf   manifest
//	<sdPath>/<sdID>/images/<imageRef>              disk image
//	<sdPath>/<sdID>/images/<imageRef>.meta         disk image metadata
//
// where imageRef is "<imageGroupID>/<imageID>" as referenced by the manifest.
package artifact

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

var (
	ErrMalformedManifest = errors.New("malformed manifest")

	errFileReferenceNotFound = errors.New("no file reference with an href attribute")
	errInvalidImageRef       = errors.New("invalid disk image reference")
	errImageGroupRequired    = errors.New("disk image reference has no image group")
)

const (
	metadataSuffix = ".meta"
	manifestSuffix = ".ovf"
)

type ovfEnvelope struct {
	References struct {
		Files []ovfFile `xml:"File"`
	} `xml:"References"`
}

type ovfFile struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// attr returns the value of the attribute with the given local name, whatever its namespace prefix.
func (f ovfFile) attr(local string) (string, bool) {
	for _, a := range f.Attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}

	return "", false
}

// ManifestPath returns the path of the manifest of vmID on the export storage domain.
func ManifestPath(sdPath, sdID, vmID string) string {
	return filepath.Join(sdPath, sdID, "master", "vms", vmID, vmID+manifestSuffix)
}

// ParseManifest extracts the disk-image reference (href) and file id from the manifest's first file reference.
func ParseManifest(r io.Reader) (imageRef, fileID string, err error) {
	envelope := new(ovfEnvelope)
	if err := xml.NewDecoder(r).Decode(envelope); err != nil {
		return "", "", errors.Join(err, ErrMalformedManifest)
	}

	for _, f := range envelope.References.Files {
		href, ok := f.attr("href")
		if !ok || href == "" {
			continue
		}

		fileID, _ = f.attr("id")

		return href, fileID, nil
	}

	return "", "", errors.Join(errFileReferenceNotFound, ErrMalformedManifest)
}

// Locate computes the paths of the artifacts exported for vmID onto the storage domain sdID mounted at sdPath.
//
// The manifest is parsed to discover the disk image it references.
func Locate(sdPath, sdID, vmID string) (types.ArtifactSet, error) {
	manifestPath := ManifestPath(sdPath, sdID, vmID)

	f, err := os.Open(manifestPath)
	if err != nil {
		return types.ArtifactSet{}, errors.Join(err, fmt.Errorf("%w: reading manifest %s", ErrIO, manifestPath))
	}
	defer f.Close()

	imageRef, fileID, err := ParseManifest(f)
	if err != nil {
		return types.ArtifactSet{}, fmt.Errorf("%s: %w", manifestPath, err)
	}

	if err := validateImageRef(imageRef); err != nil {
		return types.ArtifactSet{}, fmt.Errorf("%s: %w", manifestPath, err)
	}

	group, _, _ := strings.Cut(imageRef, "/")
	imagesDir := filepath.Join(sdPath, sdID, "images")
	diskImagePath := filepath.Join(imagesDir, filepath.FromSlash(imageRef))

	return types.ArtifactSet{ //nolint:exhaustruct
		ManifestPath:  manifestPath,
		ManifestDir:   filepath.Dir(manifestPath),
		DiskImagePath: diskImagePath,
		MetadataPath:  diskImagePath + metadataSuffix,
		MetadataDir:   filepath.Join(imagesDir, group),
		ImageRef:      imageRef,
		FileID:        fileID,
	}, nil
}

func validateImageRef(imageRef string) error {
	if strings.HasPrefix(imageRef, "/") || strings.HasSuffix(imageRef, "/") {
		return errors.Join(fmt.Errorf("%w: %q", errInvalidImageRef, imageRef), ErrMalformedManifest)
	}

	for _, segment := range strings.Split(imageRef, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return errors.Join(fmt.Errorf("%w: %q", errInvalidImageRef, imageRef), ErrMalformedManifest)
		}
	}

	// the image group directory is the unit transferred to the images module.
	if !strings.Contains(imageRef, "/") {
		return errors.Join(fmt.Errorf("%w: %q", errImageGroupRequired, imageRef), ErrMalformedManifest)
	}

	return nil
}
