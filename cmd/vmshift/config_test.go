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

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/vmshift/internal/controller"
	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

const validYAML = `
vm: web
source:
  url: https://source.example.com/ovirt-engine
  username: admin@internal
  password: s3cret
  caFile: /etc/vmshift/source-ca.pem
  datacenter: dc-src
  exportStorageDomain: export-src
target:
  url: https://target.example.com/ovirt-engine
  username: admin@internal
  insecure: true
  datacenter: dc-tgt
  exportStorageDomain: export-tgt
  dataStorageDomain: data-tgt
  cluster: cluster-1
transfer:
  kind: rsync
  remote: root@10.0.0.2
  prependCmd: [sudo]
polling:
  interval: 10s
  timeout: 1h
  maxAttempts: 360
metrics:
  textfile: /var/lib/node_exporter/vmshift.prom
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, TransferKindRsync, config.Transfer.Kind)
	assert.Equal(t, "22", config.Transfer.SSH.Port)
	assert.Equal(t, 5*time.Second, config.Polling.Interval.Duration)
	assert.Equal(t, 2*time.Hour, config.Polling.Timeout.Duration)
	assert.Equal(t, 1440, config.Polling.MaxAttempts)
	assert.Nil(t, config.Polling.ExportDelay)
	assert.Equal(t, types.ExportSkipByName, config.ExportSkip)
	assert.Equal(t, "/tmp", config.BackupDir)
	assert.False(t, config.DevelopmentMode)
}

func TestLoadConfig(t *testing.T) {
	t.Run("ValidYAML", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, validYAML))
		require.NoError(t, err)

		assert.Equal(t, "web", config.VM)
		assert.Equal(t, "s3cret", config.Source.Password)
		assert.Equal(t, "/etc/vmshift/source-ca.pem", config.Source.CAFile)
		assert.True(t, config.Target.Insecure)
		assert.Equal(t, "export-tgt", config.Target.ExportStorageDomain)
		assert.Equal(t, "data-tgt", config.Target.DataStorageDomain)
		assert.Equal(t, "cluster-1", config.Target.Cluster)
		assert.Equal(t, []string{"sudo"}, config.Transfer.PrependCmd)
		assert.Equal(t, 10*time.Second, config.Polling.Interval.Duration)
		assert.Equal(t, time.Hour, config.Polling.Timeout.Duration)
		assert.Equal(t, 360, config.Polling.MaxAttempts)
		assert.Equal(t, "/var/lib/node_exporter/vmshift.prom", config.Metrics.Textfile)
		assert.Equal(t, "/tmp", config.BackupDir)
	})

	t.Run("ValidJSON", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, `{
			"vm": "db",
			"source": {"url": "https://a", "username": "u", "insecure": true, "datacenter": "d", "exportStorageDomain": "e"},
			"target": {"url": "https://b", "username": "u", "insecure": true, "datacenter": "d",
				"exportStorageDomain": "e", "dataStorageDomain": "s", "cluster": "c"},
			"transfer": {"kind": "rsync", "remote": "target"},
			"exportSkip": "never"
		}`))
		require.NoError(t, err)

		assert.Equal(t, "db", config.VM)
		assert.Equal(t, types.ExportSkipNever, config.ExportSkip)
		assert.Equal(t, 5*time.Second, config.Polling.Interval.Duration)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, "vm: [web"))
		assert.Error(t, err)
		assert.Nil(t, config)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("UnknownField", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, validYAML+"pollInterval: 5s\n"))
		assert.Error(t, err)
		assert.Nil(t, config)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("FileNotFound", func(t *testing.T) {
		config, err := LoadConfig("/nonexistent/path/config.yaml")
		assert.Error(t, err)
		assert.Nil(t, config)
		assert.Contains(t, err.Error(), "reading config file")
	})

	t.Run("EmptyPathIsInvalid", func(t *testing.T) {
		config, err := LoadConfig("")
		assert.Error(t, err)
		assert.Nil(t, config)
		assert.Contains(t, err.Error(), "vm cannot be empty")
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("VMSHIFT_VM", "cache")
		t.Setenv("VMSHIFT_TARGET_PASSWORD", "from-env")
		t.Setenv("VMSHIFT_POLL_INTERVAL", "1s")
		t.Setenv("VMSHIFT_MAX_POLL_ATTEMPTS", "10")
		t.Setenv("VMSHIFT_EXPORT_SKIP", "never")
		t.Setenv("VMSHIFT_DEV_MODE", "yes")
		t.Setenv("VMSHIFT_BACKUP_DIR", "/var/lib/vmshift")

		config, err := LoadConfig(writeConfig(t, validYAML))
		require.NoError(t, err)

		assert.Equal(t, "cache", config.VM)
		assert.Equal(t, "from-env", config.Target.Password)
		assert.Equal(t, "s3cret", config.Source.Password)
		assert.Equal(t, time.Second, config.Polling.Interval.Duration)
		assert.Equal(t, time.Hour, config.Polling.Timeout.Duration)
		assert.Equal(t, 10, config.Polling.MaxAttempts)
		assert.Equal(t, types.ExportSkipNever, config.ExportSkip)
		assert.True(t, config.DevelopmentMode)
		assert.Equal(t, "/var/lib/vmshift", config.BackupDir)
	})

	t.Run("MalformedEnvironment", func(t *testing.T) {
		t.Setenv("VMSHIFT_POLL_TIMEOUT", "forever")

		config, err := LoadConfig(writeConfig(t, validYAML))
		assert.Error(t, err)
		assert.Nil(t, config)
		assert.Contains(t, err.Error(), "reading environment")
	})
}

func TestConfig_Validate(t *testing.T) {
	var config *Config

	setup := func(t *testing.T) {
		t.Helper()

		var err error
		config, err = LoadConfig(writeConfig(t, validYAML))
		require.NoError(t, err)
	}

	for _, tt := range []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "MissingVM", mutate: func(c *Config) { c.VM = "" }, errMsg: "vm cannot be empty"},
		{name: "MissingSourceURL", mutate: func(c *Config) { c.Source.URL = "" }, errMsg: "source.url cannot be empty"},
		{
			name:   "MissingTrustAnchor",
			mutate: func(c *Config) { c.Source.CAFile = "" },
			errMsg: "source.caFile cannot be empty unless source.insecure is set",
		},
		{
			name:   "MissingTargetExportDomain",
			mutate: func(c *Config) { c.Target.ExportStorageDomain = "" },
			errMsg: "target.exportStorageDomain cannot be empty",
		},
		{
			name:   "MissingCluster",
			mutate: func(c *Config) { c.Target.Cluster = "" },
			errMsg: "target.cluster cannot be empty",
		},
		{
			name:   "MissingRemote",
			mutate: func(c *Config) { c.Transfer.Remote = "" },
			errMsg: "transfer.remote cannot be empty",
		},
		{
			name:   "UnknownTransferKind",
			mutate: func(c *Config) { c.Transfer.Kind = "scp" },
			errMsg: `transfer.kind must be "rsync" or "sftp", got "scp"`,
		},
		{
			name:   "SFTPWithoutModules",
			mutate: func(c *Config) {
				c.Transfer.Kind = TransferKindSFTP
				c.Transfer.SSH.Host = "10.0.0.2"
				c.Transfer.SSH.PrivateKeyPath = "/root/.ssh/id_ed25519"
			},
			errMsg: "transfer.modules.ovf cannot be empty",
		},
		{
			name:   "NonPositiveInterval",
			mutate: func(c *Config) { c.Polling.Interval = metav1.Duration{} },
			errMsg: "polling.interval must be positive",
		},
		{
			name:   "TimeoutShorterThanInterval",
			mutate: func(c *Config) { c.Polling.Timeout = metav1.Duration{Duration: time.Second} },
			errMsg: "polling.timeout must be greater than polling.interval",
		},
		{
			name:   "NegativeExportDelay",
			mutate: func(c *Config) { c.Polling.ExportDelay = &metav1.Duration{Duration: -time.Second} },
			errMsg: "polling.exportDelay cannot be negative",
		},
		{
			name:   "UnknownExportSkip",
			mutate: func(c *Config) { c.ExportSkip = "id" },
			errMsg: `exportSkip must be "name" or "never", got "id"`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			setup(t)
			tt.mutate(config)

			err := config.Validate()
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	t.Run("AggregatesErrors", func(t *testing.T) {
		setup(t)
		config.VM = ""
		config.BackupDir = ""

		err := config.Validate()
		assert.ErrorContains(t, err, "vm cannot be empty")
		assert.ErrorContains(t, err, "backupDir cannot be empty")
	})
}

func TestConfig_MigrationConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	t.Run("Rsync", func(t *testing.T) {
		cfg := config.MigrationConfig()

		assert.Equal(t, "web", cfg.VMName)
		assert.Equal(t, types.Endpoint{
			Name:     controller.SourceSite,
			URL:      "https://source.example.com/ovirt-engine",
			Username: "admin@internal",
			Password: "s3cret",
			CAFile:   "/etc/vmshift/source-ca.pem",
		}, cfg.Source.Endpoint)
		assert.Equal(t, controller.TargetSite, cfg.Target.Endpoint.Name)
		assert.Equal(t, "dc-tgt", cfg.Target.Datacenter)
		assert.Equal(t, "data-tgt", cfg.Target.DataStorageDomain)
		assert.Equal(t, "cluster-1", cfg.Target.Cluster)
		assert.Equal(t, "root@10.0.0.2", cfg.TransferRemote)
		assert.Equal(t, controller.PollConfig{Interval: 10 * time.Second, Timeout: time.Hour, MaxAttempts: 360}, cfg.Poll)
		assert.Equal(t, 10*time.Second, cfg.ExportDelay)
		assert.Equal(t, "/tmp", cfg.BackupDir)
	})

	t.Run("ExportDelay", func(t *testing.T) {
		c := *config
		c.Polling.ExportDelay = ptr.To(metav1.Duration{Duration: time.Minute})

		assert.Equal(t, time.Minute, c.MigrationConfig().ExportDelay)
	})

	t.Run("SFTPRemote", func(t *testing.T) {
		c := *config
		c.Transfer.Kind = TransferKindSFTP
		c.Transfer.Remote = ""
		c.Transfer.SSH.Host = "10.0.0.2"
		c.Transfer.SSH.User = "vdsm"

		assert.Equal(t, "vdsm@10.0.0.2", c.MigrationConfig().TransferRemote)
	})
}

func TestNewTransferer(t *testing.T) {
	t.Run("Rsync", func(t *testing.T) {
		transferer, err := newTransferer(TransferConfig{Kind: TransferKindRsync, Remote: "target"}) //nolint:exhaustruct
		require.NoError(t, err)
		assert.NotNil(t, transferer)
	})

	t.Run("SFTPMissingKey", func(t *testing.T) {
		config := TransferConfig{Kind: TransferKindSFTP} //nolint:exhaustruct
		config.SSH.Host = "10.0.0.2"
		config.SSH.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")

		_, err := newTransferer(config)
		assert.ErrorContains(t, err, "unable to read private key")
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := newTransferer(TransferConfig{Kind: "scp"}) //nolint:exhaustruct
		assert.ErrorContains(t, err, "unknown transfer kind")
	})
}
