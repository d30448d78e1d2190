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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vmshift/internal/adapter"
	"github.com/alexandremahdhaoui/vmshift/internal/artifact"
	"github.com/alexandremahdhaoui/vmshift/internal/controller"
	"github.com/alexandremahdhaoui/vmshift/internal/types"
	"github.com/alexandremahdhaoui/vmshift/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmshift/internal/util/logging"
	"github.com/alexandremahdhaoui/vmshift/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmshift/pkg/execcontext"
)

const (
	Name = "vmshift"

	exitCodeFailure = 1
	exitCodeUsage   = 2
)

var ErrUnknownCommand = errors.New("unknown command")

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %[1]s [command]

Commands:
  migrate   Migrate the configured VM from the source site to the target site (default)
  rollback  Restore the manifest and metadata files left half rewritten by an interrupted run

Environment Variables:
  %[2]s  Path to the YAML or JSON configuration file
  VMSHIFT_*            Override single settings, e.g. VMSHIFT_VM or VMSHIFT_TARGET_PASSWORD
`, Name, ConfigPathEnvKey)
}

func main() {
	fs := flag.NewFlagSet(Name, flag.ExitOnError)
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])

	command := fs.Arg(0)
	if command == "" {
		command = "migrate"
	}

	config, err := LoadConfig(os.Getenv(ConfigPathEnvKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitCodeFailure)
	}

	log := logging.Setup(logging.Options{Development: config.DevelopmentMode}).WithName(Name)

	gracefulshutdown.New(Name).Run(func(ctx context.Context) int {
		return run(ctx, log, config, command)
	})
}

func run(ctx context.Context, log logr.Logger, config *Config, command string) int {
	switch command {
	case "migrate":
		return migrate(ctx, log, config)
	case "rollback":
		return rollback(log, config)
	default:
		log.Error(ErrUnknownCommand, "cannot run", "command", command)
		usage()

		return exitCodeUsage
	}
}

func migrate(ctx context.Context, log logr.Logger, config *Config) int {
	transferer, err := newTransferer(config.Transfer)
	if err != nil {
		log.Error(err, "unable to create transferer", "kind", config.Transfer.Kind)
		return exitCodeFailure
	}

	metrics := controller.NewMetrics()
	migration := controller.NewMigration(config.MigrationConfig(), adapter.NewConnector(), transferer, metrics)

	log.Info("starting migration",
		"vm", config.VM,
		"source", config.Source.URL,
		"target", config.Target.URL,
		"transfer", config.Transfer.Kind,
	)

	report, err := migration.Run(ctx)
	logReport(log, report)

	if config.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(config.Metrics.Textfile); err != nil {
			log.Error(err, "unable to write metrics", "path", config.Metrics.Textfile)
		}
	}

	if err != nil {
		log.Error(err, "migration failed", "runID", report.RunID, "phase", report.Phase)
		return exitCodeFailure
	}

	return 0
}

func logReport(log logr.Logger, report types.Report) {
	log = log.WithValues("runID", report.RunID, "phase", report.Phase)

	if report.Aborted {
		log.Info("migration aborted without changes", "reason", report.Reason)
		return
	}

	for _, result := range report.Imports {
		if result.Err != nil {
			log.Error(result.Err, "target vm not started",
				"vm", result.VM.Name, "imported", result.Imported, "started", result.Started)

			continue
		}

		log.Info("target vm started", "vm", result.VM.Name)
	}

	if report.Phase == types.PhaseDone {
		log.Info("migration done",
			"exportSkipped", report.ExportSkipped,
			"manifest", report.Artifacts.ManifestPath,
			"metadata", report.Artifacts.MetadataPath,
		)
	}
}

func rollback(log logr.Logger, config *Config) int {
	tx := artifact.NewTransaction(config.BackupDir, uuid.New())

	pending, err := tx.Pending()
	if err != nil {
		log.Error(err, "unable to read pending rewrite", "backupDir", config.BackupDir)
		return exitCodeFailure
	}

	if pending == nil {
		log.Info("nothing to roll back", "backupDir", config.BackupDir)
		return 0
	}

	if err := tx.Rollback(); err != nil {
		log.Error(err, "rollback failed", "runID", pending.RunID)
		return exitCodeFailure
	}

	log.Info("rolled back rewrite",
		"runID", pending.RunID,
		"startedAt", pending.StartedAt.Format(time.RFC3339),
		"manifest", pending.ManifestPath,
		"metadata", pending.MetadataPath,
	)

	return 0
}

func newTransferer(config TransferConfig) (adapter.Transferer, error) { //nolint:ireturn
	execCtx := execcontext.New(config.Envs, config.PrependCmd)

	switch config.Kind {
	case TransferKindRsync:
		opts := make([]adapter.RsyncOption, 0, 2)
		if config.Rsync.Binary != "" {
			opts = append(opts, adapter.WithRsyncBinary(config.Rsync.Binary))
		}

		if len(config.Rsync.Args) > 0 {
			opts = append(opts, adapter.WithRsyncArgs(config.Rsync.Args...))
		}

		return adapter.NewRsyncTransferer(execCtx, opts...), nil
	case TransferKindSFTP:
		client, err := ssh.NewClient(config.SSH.Host, config.SSH.User, config.SSH.PrivateKeyPath, config.SSH.Port)
		if err != nil {
			return nil, err
		}

		client.KnownHostsPath = config.SSH.KnownHostsPath

		var opts []adapter.SFTPOption
		if config.Owner != "" {
			opts = append(opts, adapter.WithRemoteOwner(client, execCtx, config.Owner))
		}

		return adapter.NewSFTPTransferer(client, config.Modules, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transfer kind %q", config.Kind)
	}
}
