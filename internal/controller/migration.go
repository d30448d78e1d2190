/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/vmshift/internal/adapter"
	"github.com/alexandremahdhaoui/vmshift/internal/artifact"
	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

var (
	ErrMigration         = errors.New("migrating vm")
	ErrTimeout           = errors.New("timed out awaiting vm power state")
	ErrUnrecognizedState = errors.New("unrecognized source state")
	ErrImport            = errors.New("importing vm")
	ErrStart             = errors.New("starting vm")

	errMaxPollAttempts = errors.New("maximum number of poll attempts reached")
	errRewriting       = errors.New("rewriting artifacts")
)

const (
	// ManifestModule is the transfer module receiving the manifest directory.
	ManifestModule = "ovf"
	// ImagesModule is the transfer module receiving the disk image and metadata directory.
	ImagesModule = "images"

	SourceSite = "source"
	TargetSite = "target"

	closeTimeout = 30 * time.Second
)

// ---------------------------------------------------- CONFIG ------------------------------------------------------ //

// SiteConfig names the resources used on one site.
type SiteConfig struct {
	Endpoint            types.Endpoint
	Datacenter          string
	ExportStorageDomain string
}

// TargetConfig names the resources used on the target site.
type TargetConfig struct {
	SiteConfig

	DataStorageDomain string
	Cluster           string
}

// PollConfig bounds every wait on a VM power state.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxAttempts bounds the number of reads. Zero means no bound besides Timeout.
	MaxAttempts int
}

// MigrationConfig holds the resolved parameters of a run.
type MigrationConfig struct {
	VMName string

	Source SiteConfig
	Target TargetConfig

	// TransferRemote identifies the target host for the Transferer, e.g. "root@10.0.0.2".
	TransferRemote string

	Poll PollConfig
	// ExportDelay is waited between a completed shutdown and the export.
	ExportDelay time.Duration
	ExportSkip  types.ExportSkipPolicy

	// BackupDir holds the artifact backups and the rewrite markers.
	BackupDir string
}

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// Migration moves one VM from the source site to the target site.
type Migration interface {
	// Run executes the migration once.
	//
	// A clean abort returns a nil error with Report.Aborted set. Failures of individual target VMs are recorded in
	// Report.Imports and do not fail the run.
	Run(ctx context.Context) (types.Report, error)
}

// -------------------------------------------------- CONSTRUCTORS -------------------------------------------------- //

// NewMigration returns a new Migration.
func NewMigration(
	cfg MigrationConfig,
	connector adapter.Connector,
	transferer adapter.Transferer,
	metrics *Metrics,
) Migration {
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &migration{
		cfg:        cfg,
		connector:  connector,
		transferer: transferer,
		metrics:    metrics,
	}
}

// --------------------------------------------------- MIGRATION ---------------------------------------------------- //

type migration struct {
	cfg        MigrationConfig
	connector  adapter.Connector
	transferer adapter.Transferer
	metrics    *Metrics
}

// run holds the state of a single Run.
type run struct {
	*migration

	report *types.Report
	log    *slog.Logger

	source, target adapter.ClusterManager

	srcVM       types.VM
	srcExportSD types.StorageDomain
	srcDC       types.Datacenter

	tgtExportSD types.StorageDomain
	tgtDataSD   types.StorageDomain
	tgtDC       types.Datacenter
	tgtCluster  types.Cluster

	tx *artifact.Transaction
}

func (m *migration) Run(ctx context.Context) (types.Report, error) {
	start := time.Now()

	report := types.Report{RunID: uuid.New(), Phase: types.PhaseIdle} //nolint:exhaustruct
	r := &run{ //nolint:exhaustruct
		migration: m,
		report:    &report,
		log:       slog.With("runID", report.RunID.String(), "vm", m.cfg.VMName),
	}

	err := r.run(ctx)
	if err != nil {
		r.log.ErrorContext(ctx, "migration failed", "phase", report.Phase, "err", err.Error())
		report.Reason = fmt.Sprintf("%s: %s", report.Phase, err.Error())
		r.setPhase(ctx, types.PhaseFailed)

		err = errors.Join(err, ErrMigration)
	}

	m.metrics.observeRun(report, time.Since(start).Seconds())

	return report, err
}

func (r *run) run(ctx context.Context) error {
	defer r.closeSessions(ctx)

	if err := r.connect(ctx); err != nil {
		return err
	}

	if err := r.lookup(ctx); err != nil {
		return err
	}

	// a rewrite that never committed must be repaired before the source is touched again.
	r.tx = artifact.NewTransaction(r.cfg.BackupDir, r.report.RunID)
	if pending, err := r.tx.Pending(); err != nil {
		return err
	} else if pending != nil {
		return fmt.Errorf("%w: run %s left %s pending", artifact.ErrIncompleteRewrite, pending.RunID, pending.ManifestPath)
	}

	if done, err := r.exportSource(ctx); err != nil || done {
		return err
	}

	if err := r.rewrite(ctx); err != nil {
		return err
	}

	if err := r.transfer(ctx); err != nil {
		return err
	}

	if err := r.importAll(ctx); err != nil {
		return err
	}

	r.setPhase(ctx, types.PhaseDone)
	r.log.InfoContext(ctx, "migration done", "imports", len(r.report.Imports))

	return nil
}

func (r *run) setPhase(ctx context.Context, phase types.Phase) {
	r.report.Phase = phase
	r.metrics.observePhase(phase)
	r.log.InfoContext(ctx, "entering phase", "phase", phase)
}

// abort ends the run cleanly: nothing more is mutated and the run does not fail.
func (r *run) abort(ctx context.Context, reason string) {
	r.report.Aborted = true
	r.report.Reason = reason
	r.log.WarnContext(ctx, "migration aborted", "phase", r.report.Phase, "reason", reason)
}

// ------------------------------------------------- CONNECTIONS ---------------------------------------------------- //

// connect opens both sessions before anything is mutated.
func (r *run) connect(ctx context.Context) error {
	source, err := r.connector.Connect(ctx, r.cfg.Source.Endpoint)
	if err != nil {
		return err
	}

	r.source = source

	target, err := r.connector.Connect(ctx, r.cfg.Target.Endpoint)
	if err != nil {
		return err
	}

	r.target = target

	return nil
}

func (r *run) closeSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	for site, cm := range map[string]adapter.ClusterManager{SourceSite: r.source, TargetSite: r.target} {
		if cm == nil {
			continue
		}

		if err := cm.Close(ctx); err != nil {
			r.log.WarnContext(ctx, "closing session", "site", site, "err", err.Error())
		}
	}
}

func (r *run) lookup(ctx context.Context) error {
	var err error

	if r.srcVM, err = r.source.FindVM(ctx, r.cfg.VMName); err != nil {
		return err
	}

	if r.srcExportSD, err = r.source.FindStorageDomain(ctx, r.cfg.Source.ExportStorageDomain); err != nil {
		return err
	}

	if r.srcDC, err = r.source.FindDatacenter(ctx, r.cfg.Source.Datacenter); err != nil {
		return err
	}

	if r.tgtExportSD, err = r.target.FindStorageDomain(ctx, r.cfg.Target.ExportStorageDomain); err != nil {
		return err
	}

	if r.tgtDataSD, err = r.target.FindStorageDomain(ctx, r.cfg.Target.DataStorageDomain); err != nil {
		return err
	}

	if r.tgtDC, err = r.target.FindDatacenter(ctx, r.cfg.Target.Datacenter); err != nil {
		return err
	}

	if r.tgtCluster, err = r.target.FindCluster(ctx, r.cfg.Target.Cluster); err != nil {
		return err
	}

	r.log.InfoContext(ctx, "resolved sites",
		"sourceDatacenter", r.srcDC.ID,
		"sourceStorageDomain", r.srcExportSD.ID,
		"targetDatacenter", r.tgtDC.ID,
		"targetStorageDomain", r.tgtExportSD.ID,
	)

	return nil
}

// ---------------------------------------------------- SOURCE ------------------------------------------------------ //

// exportSource drives the source VM to the Exported phase. It returns true if the run aborted cleanly.
func (r *run) exportSource(ctx context.Context) (bool, error) {
	r.setPhase(ctx, types.PhaseEvaluatingSourceState)

	state := r.srcVM.State
	r.log.InfoContext(ctx, "evaluating source vm", "vmID", r.srcVM.ID, "state", state)

	switch {
	case state.IsRunning():
		r.setPhase(ctx, types.PhaseShuttingDown)

		if err := r.source.Shutdown(ctx, r.srcVM); err != nil {
			return r.rejected(ctx, err)
		}

		if err := r.awaitSourceDown(ctx); err != nil {
			return false, err
		}

		if err := sleep(ctx, r.cfg.ExportDelay); err != nil {
			return false, err
		}

		if aborted, err := r.export(ctx); err != nil || aborted {
			return aborted, err
		}

	case state.IsLocked():
		r.setPhase(ctx, types.PhaseWaitingForLock)
		r.abort(ctx, fmt.Sprintf("vm %q is %s: it is controlled by another operation", r.srcVM.Name, state))

		return true, nil

	case state == types.PowerStateDown:
		skip, err := r.alreadyExported(ctx)
		if err != nil {
			return false, err
		}

		if skip {
			r.report.ExportSkipped = true
			r.log.InfoContext(ctx, "vm already present on export storage domain, skipping export",
				"storageDomain", r.srcExportSD.Name)

			break
		}

		r.setPhase(ctx, types.PhaseExportingDirect)

		if aborted, err := r.export(ctx); err != nil || aborted {
			return aborted, err
		}

	default:
		return false, fmt.Errorf("%w: vm %q reported %q", ErrUnrecognizedState, r.srcVM.Name, state)
	}

	r.setPhase(ctx, types.PhaseExported)

	return false, nil
}

func (r *run) export(ctx context.Context) (bool, error) {
	opts := types.ActionOptions{
		Exclusive:        ptr.To(true),
		DiscardSnapshots: ptr.To(true),
	}

	if err := r.source.Export(ctx, r.srcVM, r.srcExportSD, opts); err != nil {
		return r.rejected(ctx, err)
	}

	r.log.InfoContext(ctx, "export started", "storageDomain", r.srcExportSD.Name)

	return false, r.awaitSourceDown(ctx)
}

// rejected turns a rejected action into a clean abort. Any other error is returned.
func (r *run) rejected(ctx context.Context, err error) (bool, error) {
	if !errors.Is(err, adapter.ErrActionRejected) {
		return false, err
	}

	r.abort(ctx, err.Error())

	return true, nil
}

func (r *run) alreadyExported(ctx context.Context) (bool, error) {
	if r.cfg.ExportSkip == types.ExportSkipNever {
		return false, nil
	}

	vms, err := r.source.ListStorageDomainVMs(ctx, r.srcExportSD)
	if err != nil {
		return false, err
	}

	for _, vm := range vms {
		if vm.Name == r.srcVM.Name {
			return true, nil
		}
	}

	return false, nil
}

func (r *run) awaitSourceDown(ctx context.Context) error {
	return r.awaitDown(ctx, SourceSite, r.srcVM.Name, func(ctx context.Context) (bool, error) {
		state, err := r.source.GetPowerState(ctx, r.srcVM)
		if err != nil {
			return false, err
		}

		r.srcVM.State = state

		return state == types.PowerStateDown, nil
	})
}

// ---------------------------------------------------- POLLING ----------------------------------------------------- //

// awaitDown polls isDown every PollInterval until it returns true.
//
// The wait is bounded by PollTimeout and PollMaxAttempts. Exceeding either returns ErrTimeout. A failed read counts
// as an attempt and is retried, except for ErrAuth which ends the wait. A cancelled ctx returns the cancellation
// cause.
func (r *run) awaitDown(
	ctx context.Context,
	site, vmName string,
	isDown func(ctx context.Context) (bool, error),
) error {
	var lastErr error

	attempts := 0
	phase := r.report.Phase

	err := wait.PollUntilContextTimeout(ctx, r.cfg.Poll.Interval, r.cfg.Poll.Timeout, false,
		func(ctx context.Context) (bool, error) {
			attempts++
			r.metrics.observePoll(site, phase)

			done, err := isDown(ctx)

			switch {
			case err == nil:
				r.log.DebugContext(ctx, "polled vm", "site", site, "target", vmName, "attempt", attempts, "down", done)

				if done {
					return true, nil
				}
			case errors.Is(err, adapter.ErrAuth) || ctx.Err() != nil:
				return false, err
			default:
				lastErr = err
				r.log.WarnContext(ctx, "reading vm state, retrying",
					"site", site, "target", vmName, "attempt", attempts, "err", err.Error())
			}

			if r.cfg.Poll.MaxAttempts > 0 && attempts >= r.cfg.Poll.MaxAttempts {
				return false, errMaxPollAttempts
			}

			return false, nil
		})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.Join(context.Cause(ctx), fmt.Errorf("awaiting vm %q on %s site", vmName, site))
	case errors.Is(err, errMaxPollAttempts) || wait.Interrupted(err):
		timeout := fmt.Errorf("%w: vm %q on %s site not down after %d attempts (%s): %w",
			ErrTimeout, vmName, site, attempts, phase, err)
		if lastErr != nil {
			return errors.Join(timeout, fmt.Errorf("last read failed: %w", lastErr))
		}

		return timeout
	default:
		return err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// --------------------------------------------------- ARTIFACTS ---------------------------------------------------- //

func (r *run) rewrite(ctx context.Context) error {
	r.setPhase(ctx, types.PhaseRewriting)

	vmID, err := r.exportedVMID(ctx)
	if err != nil {
		return err
	}

	set, err := artifact.Locate(r.srcExportSD.Path, r.srcExportSD.ID, vmID)
	if err != nil {
		return errors.Join(err, errRewriting)
	}

	set.MetadataBackup, set.ManifestBackup = r.tx.BackupPaths()
	r.report.Artifacts = set

	r.log.InfoContext(ctx, "located artifacts",
		"manifest", set.ManifestPath,
		"metadata", set.MetadataPath,
		"diskImage", set.DiskImagePath,
	)

	// an export that was skipped left the artifacts of a previous run, which may already be rewritten.
	if r.report.ExportSkipped {
		committed, err := r.tx.Committed()
		if err != nil {
			return errors.Join(err, errRewriting)
		}

		if committed != nil && committed.Matches(set) {
			r.log.InfoContext(ctx, "artifacts already rewritten", "previousRunID", committed.RunID.String())
			return nil
		}
	}

	metadataRepl := []types.Replacement{
		{Old: r.srcExportSD.ID, New: r.tgtExportSD.ID, Required: true},
	}

	manifestRepl := []types.Replacement{
		{Old: r.srcExportSD.ID, New: r.tgtExportSD.ID, Required: true},
		{Old: r.srcDC.ID, New: r.tgtDC.ID, Required: false},
	}

	if err := r.tx.Begin(set); err != nil {
		return errors.Join(err, errRewriting)
	}

	if err := r.tx.Rewrite(metadataRepl, manifestRepl); err != nil {
		if errors.Is(err, artifact.ErrIncompleteRewrite) {
			return errors.Join(err, fmt.Errorf("%w: restore from %s and %s",
				errRewriting, set.MetadataBackup, set.ManifestBackup))
		}

		return errors.Join(err, errRewriting)
	}

	if err := r.tx.Commit(); err != nil {
		return errors.Join(err, errRewriting)
	}

	r.log.InfoContext(ctx, "rewrote artifacts",
		"metadataBackup", set.MetadataBackup,
		"manifestBackup", set.ManifestBackup,
	)

	return nil
}

// exportedVMID returns the id of the VM as listed by the export storage domain.
func (r *run) exportedVMID(ctx context.Context) (string, error) {
	vms, err := r.source.ListStorageDomainVMs(ctx, r.srcExportSD)
	if err != nil {
		return "", err
	}

	for _, vm := range vms {
		if vm.Name == r.srcVM.Name {
			return vm.ID, nil
		}
	}

	return r.srcVM.ID, nil
}

func (r *run) transfer(ctx context.Context) error {
	r.setPhase(ctx, types.PhaseTransferring)

	for _, t := range []struct{ dir, module string }{
		{dir: r.report.Artifacts.ManifestDir, module: ManifestModule},
		{dir: r.report.Artifacts.MetadataDir, module: ImagesModule},
	} {
		if err := r.transferer.Transfer(ctx, t.dir, r.cfg.TransferRemote, t.module); err != nil {
			r.metrics.observeTransferFailure(t.module)

			// the source artifacts stay rewritten: restoring them is left to the operator.
			return errors.Join(err, fmt.Errorf("artifacts left rewritten, backups in %s and %s",
				r.report.Artifacts.MetadataBackup, r.report.Artifacts.ManifestBackup))
		}
	}

	return nil
}

// ---------------------------------------------------- TARGET ------------------------------------------------------ //

// importAll imports and starts every VM found on the target export storage domain, independently of each other.
func (r *run) importAll(ctx context.Context) error {
	r.setPhase(ctx, types.PhaseImporting)

	vms, err := r.target.ListStorageDomainVMs(ctx, r.tgtExportSD)
	if err != nil {
		return err
	}

	r.log.InfoContext(ctx, "found vms on target export storage domain", "count", len(vms))

	for _, vm := range vms {
		result := r.importOne(ctx, vm)
		r.report.Imports = append(r.report.Imports, result)
		r.metrics.observeImport(result)

		if result.Err != nil {
			r.log.ErrorContext(ctx, "target vm failed", "target", vm.Name, "imported", result.Imported,
				"err", result.Err.Error())
		}

		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
	}

	return nil
}

func (r *run) importOne(ctx context.Context, entry types.VM) types.ImportResult {
	result := types.ImportResult{VM: entry} //nolint:exhaustruct

	r.setPhase(ctx, types.PhaseImporting)

	opts := types.ActionOptions{Exclusive: ptr.To(true)} //nolint:exhaustruct
	if err := r.target.Import(ctx, r.tgtExportSD, entry, r.tgtDataSD, r.tgtCluster, opts); err != nil {
		result.Err = errors.Join(err, ErrImport)
		return result
	}

	var imported types.VM

	err := r.awaitDown(ctx, TargetSite, entry.Name, func(ctx context.Context) (bool, error) {
		vm, err := r.target.FindVM(ctx, entry.Name)
		if errors.Is(err, adapter.ErrNotFound) {
			return false, nil
		} else if err != nil {
			return false, err
		}

		imported = vm

		return vm.State == types.PowerStateDown, nil
	})
	if err != nil {
		result.Err = errors.Join(err, ErrImport)
		return result
	}

	result.Imported = true
	result.VM = imported

	r.setPhase(ctx, types.PhaseStarting)

	if err := r.target.Start(ctx, imported); err != nil {
		result.Err = errors.Join(err, ErrStart)
		return result
	}

	result.Started = true
	r.log.InfoContext(ctx, "started vm", "target", imported.Name, "vmID", imported.ID)

	return result
}
