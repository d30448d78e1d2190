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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vmshift/internal/controller"
	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "VMSHIFT_CONFIG_PATH"

	TransferKindRsync = "rsync"
	TransferKindSFTP  = "sftp"

	envPrefix = "VMSHIFT_"
)

// Config holds the configuration for vmshift.
//
// The file may be written in YAML or JSON. Secrets are better passed through the VMSHIFT_SOURCE_PASSWORD and
// VMSHIFT_TARGET_PASSWORD environment variables.
type Config struct {
	// VM is the name of the VM to migrate.
	VM string `json:"vm"`

	Source SiteConfig   `json:"source"`
	Target TargetConfig `json:"target"`

	Transfer TransferConfig `json:"transfer"`
	Polling  PollingConfig  `json:"polling"`

	// ExportSkip is either "name" or "never".
	ExportSkip types.ExportSkipPolicy `json:"exportSkip"`

	// BackupDir holds the artifact backups and the rewrite markers.
	BackupDir string `json:"backupDir"`

	Metrics struct {
		// Textfile is the path the run metrics are written to on exit. Disabled when empty.
		Textfile string `json:"textfile,omitempty"`
	} `json:"metrics"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode"`
}

// SiteConfig describes a management endpoint and the resources used on its site.
type SiteConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	// CAFile is the PEM bundle used to verify the endpoint certificate.
	CAFile   string `json:"caFile,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`

	Datacenter          string `json:"datacenter"`
	ExportStorageDomain string `json:"exportStorageDomain"`
}

type TargetConfig struct {
	SiteConfig `json:",inline"`

	DataStorageDomain string `json:"dataStorageDomain"`
	Cluster           string `json:"cluster"`
}

// TransferConfig selects and configures the Transferer.
type TransferConfig struct {
	// Kind is either "rsync" or "sftp".
	Kind string `json:"kind"`
	// Remote is the rsync daemon host, e.g. "root@10.0.0.2".
	Remote string `json:"remote"`

	// PrependCmd runs rsync, or the remote chown when using sftp, behind another command, e.g. ["sudo"].
	PrependCmd []string          `json:"prependCmd,omitempty"`
	Envs       map[string]string `json:"envs,omitempty"`

	Rsync struct {
		Binary string   `json:"binary,omitempty"`
		Args   []string `json:"args,omitempty"`
	} `json:"rsync"`

	SSH struct {
		Host           string `json:"host"`
		Port           string `json:"port"`
		User           string `json:"user"`
		PrivateKeyPath string `json:"privateKeyPath"`
		KnownHostsPath string `json:"knownHostsPath,omitempty"`
	} `json:"ssh"`

	// Modules maps the "ovf" and "images" modules to remote directories. Only used by sftp.
	Modules map[string]string `json:"modules,omitempty"`
	// Owner is applied recursively to the uploaded trees, e.g. "36:36". Only used by sftp.
	Owner string `json:"owner,omitempty"`
}

type PollingConfig struct {
	Interval    metav1.Duration `json:"interval"`
	Timeout     metav1.Duration `json:"timeout"`
	MaxAttempts int             `json:"maxAttempts"`
	// ExportDelay is waited between the source VM reaching down and the export. Defaults to Interval.
	ExportDelay *metav1.Duration `json:"exportDelay,omitempty"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	c := &Config{} //nolint:exhaustruct

	c.Transfer.Kind = TransferKindRsync
	c.Transfer.SSH.Port = "22"
	c.Polling.Interval = metav1.Duration{Duration: 5 * time.Second}
	c.Polling.Timeout = metav1.Duration{Duration: 2 * time.Hour}
	c.Polling.MaxAttempts = 1440
	c.ExportSkip = types.ExportSkipByName
	c.BackupDir = "/tmp"

	return c
}

// LoadConfig loads configuration from a YAML or JSON file path and applies env var overrides.
// If configPath is empty, it uses environment variables only
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	strs := map[string]*string{
		"VM":                            &c.VM,
		"SOURCE_URL":                    &c.Source.URL,
		"SOURCE_USERNAME":               &c.Source.Username,
		"SOURCE_PASSWORD":               &c.Source.Password,
		"SOURCE_CA_FILE":                &c.Source.CAFile,
		"TARGET_URL":                    &c.Target.URL,
		"TARGET_USERNAME":               &c.Target.Username,
		"TARGET_PASSWORD":               &c.Target.Password,
		"TARGET_CA_FILE":                &c.Target.CAFile,
		"TRANSFER_KIND":                 &c.Transfer.Kind,
		"TRANSFER_REMOTE":               &c.Transfer.Remote,
		"TRANSFER_SSH_PRIVATE_KEY_PATH": &c.Transfer.SSH.PrivateKeyPath,
		"BACKUP_DIR":                    &c.BackupDir,
		"METRICS_TEXTFILE":              &c.Metrics.Textfile,
	}

	for key, dest := range strs {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dest = val
		}
	}

	if val := os.Getenv(envPrefix + "DEV_MODE"); val != "" {
		c.DevelopmentMode = isTrue(val)
	}

	if val := os.Getenv(envPrefix + "EXPORT_SKIP"); val != "" {
		c.ExportSkip = types.ExportSkipPolicy(val)
	}

	var errs []error

	if val := os.Getenv(envPrefix + "POLL_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		errs = append(errs, err)
		c.Polling.Interval.Duration = d
	}

	if val := os.Getenv(envPrefix + "POLL_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		errs = append(errs, err)
		c.Polling.Timeout.Duration = d
	}

	if val := os.Getenv(envPrefix + "MAX_POLL_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		errs = append(errs, err)
		c.Polling.MaxAttempts = n
	}

	return errors.Join(errs...)
}

func isTrue(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.VM == "" {
		errs = append(errs, errors.New("vm cannot be empty"))
	}

	errs = append(errs, c.Source.validate("source"))
	errs = append(errs, c.Target.validate("target"))

	if c.Target.DataStorageDomain == "" {
		errs = append(errs, errors.New("target.dataStorageDomain cannot be empty"))
	}

	if c.Target.Cluster == "" {
		errs = append(errs, errors.New("target.cluster cannot be empty"))
	}

	switch c.Transfer.Kind {
	case TransferKindRsync:
		if c.Transfer.Remote == "" {
			errs = append(errs, errors.New("transfer.remote cannot be empty"))
		}
	case TransferKindSFTP:
		if c.Transfer.SSH.Host == "" {
			errs = append(errs, errors.New("transfer.ssh.host cannot be empty"))
		}

		if c.Transfer.SSH.PrivateKeyPath == "" {
			errs = append(errs, errors.New("transfer.ssh.privateKeyPath cannot be empty"))
		}

		for _, module := range []string{controller.ManifestModule, controller.ImagesModule} {
			if c.Transfer.Modules[module] == "" {
				errs = append(errs, fmt.Errorf("transfer.modules.%s cannot be empty", module))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("transfer.kind must be %q or %q, got %q",
			TransferKindRsync, TransferKindSFTP, c.Transfer.Kind))
	}

	if c.Polling.Interval.Duration <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}

	if c.Polling.Timeout.Duration < c.Polling.Interval.Duration {
		errs = append(errs, errors.New("polling.timeout must be greater than polling.interval"))
	}

	if c.Polling.MaxAttempts < 0 {
		errs = append(errs, errors.New("polling.maxAttempts cannot be negative"))
	}

	if c.Polling.ExportDelay != nil && c.Polling.ExportDelay.Duration < 0 {
		errs = append(errs, errors.New("polling.exportDelay cannot be negative"))
	}

	if c.ExportSkip != types.ExportSkipByName && c.ExportSkip != types.ExportSkipNever {
		errs = append(errs, fmt.Errorf("exportSkip must be %q or %q, got %q",
			types.ExportSkipByName, types.ExportSkipNever, c.ExportSkip))
	}

	if c.BackupDir == "" {
		errs = append(errs, errors.New("backupDir cannot be empty"))
	}

	return errors.Join(errs...)
}

func (s SiteConfig) validate(name string) error {
	var errs []error

	for field, val := range map[string]string{
		"url":                 s.URL,
		"username":            s.Username,
		"datacenter":          s.Datacenter,
		"exportStorageDomain": s.ExportStorageDomain,
	} {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s.%s cannot be empty", name, field))
		}
	}

	if s.CAFile == "" && !s.Insecure {
		errs = append(errs, fmt.Errorf("%s.caFile cannot be empty unless %s.insecure is set", name, name))
	}

	return errors.Join(errs...)
}

// MigrationConfig converts the configuration into the parameters of a run.
func (c *Config) MigrationConfig() controller.MigrationConfig {
	exportDelay := c.Polling.Interval.Duration
	if c.Polling.ExportDelay != nil {
		exportDelay = c.Polling.ExportDelay.Duration
	}

	return controller.MigrationConfig{
		VMName: c.VM,
		Source: c.Source.toController(controller.SourceSite),
		Target: controller.TargetConfig{
			SiteConfig:        c.Target.toController(controller.TargetSite),
			DataStorageDomain: c.Target.DataStorageDomain,
			Cluster:           c.Target.Cluster,
		},
		TransferRemote: c.transferRemote(),
		Poll: controller.PollConfig{
			Interval:    c.Polling.Interval.Duration,
			Timeout:     c.Polling.Timeout.Duration,
			MaxAttempts: c.Polling.MaxAttempts,
		},
		ExportDelay: exportDelay,
		ExportSkip:  c.ExportSkip,
		BackupDir:   c.BackupDir,
	}
}

func (c *Config) transferRemote() string {
	if c.Transfer.Remote != "" || c.Transfer.Kind != TransferKindSFTP {
		return c.Transfer.Remote
	}

	if c.Transfer.SSH.User == "" {
		return c.Transfer.SSH.Host
	}

	return c.Transfer.SSH.User + "@" + c.Transfer.SSH.Host
}

func (s SiteConfig) toController(name string) controller.SiteConfig {
	return controller.SiteConfig{
		Endpoint: types.Endpoint{
			Name:     name,
			URL:      s.URL,
			Username: s.Username,
			Password: s.Password,
			CAFile:   s.CAFile,
			Insecure: s.Insecure,
		},
		Datacenter:          s.Datacenter,
		ExportStorageDomain: s.ExportStorageDomain,
	}
}
