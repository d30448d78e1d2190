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

package types

import (
	"github.com/google/uuid"
)

// ------------------------------------------------- POWER STATE ---------------------------------------------------- //

// PowerState is the power state of a VM as reported by a management endpoint.
type PowerState string

const (
	PowerStateUp               PowerState = "up"
	PowerStatePoweringUp       PowerState = "powering_up"
	PowerStateWaitForLaunch    PowerState = "wait_for_launch"
	PowerStateRebootInProgress PowerState = "reboot_in_progress"
	PowerStatePoweringDown     PowerState = "powering_down"
	PowerStateImageLocked      PowerState = "image_locked"
	PowerStateDown             PowerState = "down"
	PowerStateUnknown          PowerState = "unknown"
)

// IsRunning returns true if the VM must be shut down before it can be exported.
func (s PowerState) IsRunning() bool {
	switch s {
	case PowerStateUp, PowerStatePoweringUp, PowerStateWaitForLaunch, PowerStateRebootInProgress:
		return true
	default:
		return false
	}
}

// IsLocked returns true if another actor currently controls the VM.
func (s PowerState) IsLocked() bool {
	return s == PowerStatePoweringDown || s == PowerStateImageLocked
}

// ParsePowerState maps a wire value onto a known PowerState. Unrecognized values map to PowerStateUnknown.
func ParsePowerState(s string) PowerState {
	switch ps := PowerState(s); ps {
	case PowerStateUp,
		PowerStatePoweringUp,
		PowerStateWaitForLaunch,
		PowerStateRebootInProgress,
		PowerStatePoweringDown,
		PowerStateImageLocked,
		PowerStateDown:
		return ps
	default:
		return PowerStateUnknown
	}
}

// --------------------------------------------------- HANDLES ------------------------------------------------------ //

// VM is a handle to a virtual machine on one site.
//
// State is only authoritative at the instant the handle was fetched.
type VM struct {
	ID    string
	Name  string
	State PowerState
}

// StorageDomain is a handle to a storage domain on one site.
type StorageDomain struct {
	ID   string
	Name string
	// Type is either "export" or "data".
	Type string
	// Path is the filesystem path backing the storage domain.
	Path string
}

// Datacenter is a handle to a datacenter on one site.
type Datacenter struct {
	ID   string
	Name string
}

// Cluster is a handle to a cluster on one site.
type Cluster struct {
	ID   string
	Name string
}

// ActionOptions are the options recognized by lifecycle actions.
type ActionOptions struct {
	Exclusive        *bool `json:"exclusive,omitempty"`
	DiscardSnapshots *bool `json:"discard_snapshots,omitempty"`
}

// ------------------------------------------------- ARTIFACTS ------------------------------------------------------ //

// ArtifactSet is the on-disk representation of an exported VM.
type ArtifactSet struct {
	// ManifestPath is <sdPath>/<sdID>/master/vms/<vmID>/<vmID>.ovf
	ManifestPath string
	// ManifestDir is the directory holding the manifest.
	ManifestDir string
	// DiskImagePath is <sdPath>/<sdID>/images/<imageRef>
	DiskImagePath string
	// MetadataPath is DiskImagePath with the ".meta" suffix.
	MetadataPath string
	// MetadataDir is the image group directory holding the disk image and its metadata.
	MetadataDir string

	// ImageRef is the disk-image reference found in the manifest.
	ImageRef string
	// FileID is the id attribute of the manifest's file reference, if any.
	FileID string

	ManifestBackup string
	MetadataBackup string
}

// Replacement is a single literal identifier substitution.
type Replacement struct {
	Old string
	New string
	// Required makes a replacement that matches nothing an error.
	Required bool
}

// -------------------------------------------------- MIGRATION ----------------------------------------------------- //

// Phase is a state of the migration state machine.
type Phase string

const (
	PhaseIdle                  Phase = "Idle"
	PhaseEvaluatingSourceState Phase = "EvaluatingSourceState"
	PhaseShuttingDown          Phase = "ShuttingDown"
	PhaseWaitingForLock        Phase = "WaitingForLock"
	PhaseExportingDirect       Phase = "ExportingDirect"
	PhaseExported              Phase = "Exported"
	PhaseRewriting             Phase = "Rewriting"
	PhaseTransferring          Phase = "Transferring"
	PhaseImporting             Phase = "Importing"
	PhaseStarting              Phase = "Starting"
	PhaseDone                  Phase = "Done"
	PhaseFailed                Phase = "Failed"
)

// ExportSkipPolicy decides whether an existing entry on the export domain short-circuits the export.
type ExportSkipPolicy string

const (
	// ExportSkipByName skips the export when the export domain lists a VM with the same name.
	ExportSkipByName ExportSkipPolicy = "name"
	// ExportSkipNever always exports.
	ExportSkipNever ExportSkipPolicy = "never"
)

// ImportResult is the outcome of importing and starting one VM found on the target export domain.
type ImportResult struct {
	VM       VM
	Imported bool
	Started  bool
	Err      error
}

// Report summarizes a migration run.
type Report struct {
	RunID uuid.UUID
	Phase Phase
	// Aborted is true when the run stopped cleanly without performing any mutation.
	Aborted bool
	// Reason describes why the run aborted or failed.
	Reason string
	// ExportSkipped is true when the VM was already present on the export domain.
	ExportSkipped bool

	Artifacts ArtifactSet
	Imports   []ImportResult
}

// Endpoint holds the already-resolved connection parameters of one management endpoint.
type Endpoint struct {
	// Name identifies the site in logs, e.g. "source" or "target".
	Name     string
	URL      string
	Username string
	Password string
	// CAFile is the trust anchor used to verify the endpoint's certificate.
	CAFile string
	// Insecure disables certificate verification.
	Insecure bool
}
