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

// Package config loads the harness configuration from defaults, a YAML file, CHVIRT_*
// environment variables and command-line flags, in increasing order of priority.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/chvirt/internal/util/ssh"
	"github.com/alexandremahdhaoui/chvirt/pkg/controlplane"
	"github.com/alexandremahdhaoui/chvirt/pkg/execcontext"
	"github.com/alexandremahdhaoui/chvirt/pkg/guest"
	"github.com/alexandremahdhaoui/chvirt/pkg/netalloc"
	"github.com/alexandremahdhaoui/chvirt/pkg/report"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. CHVIRT_BOOT_TIMEOUT.
	EnvPrefix = "CHVIRT"

	DefaultImage        = "focal-server-cloudimg-amd64.raw"
	DefaultMemory       = "1Gi"
	DefaultReportDir    = "chvirt-reports"
	DefaultReportFormat = "text"

	authorizedKeysEnv = EnvPrefix + "_SSH_AUTHORIZED_KEYS"
	configFileEnv     = EnvPrefix + "_CONFIG"
)

var errInvalidConfig = errors.New("invalid configuration")

// Config holds the complete harness configuration.
type Config struct {
	URI            string        `mapstructure:"uri"`
	Daemon         string        `mapstructure:"daemon"`
	Client         string        `mapstructure:"client"`
	Sudo           bool          `mapstructure:"sudo"`
	SettleDelay    time.Duration `mapstructure:"settle-delay"`
	ReadinessProbe bool          `mapstructure:"readiness-probe"`

	WorkloadsDir string `mapstructure:"workloads-dir"`
	Image        string `mapstructure:"image"`
	Kernel       string `mapstructure:"kernel"`
	ISOTool      string `mapstructure:"iso-tool"`
	IPClass      string `mapstructure:"ip-class"`
	Memory       string `mapstructure:"memory"`

	SSHUser           string        `mapstructure:"ssh-user"`
	SSHPassword       string        `mapstructure:"ssh-password"`
	SSHKey            string        `mapstructure:"ssh-key"`
	SSHAuthorizedKeys []string      `mapstructure:"ssh-authorized-keys"`
	SSHRetries        int           `mapstructure:"ssh-retries"`
	SSHTimeout        time.Duration `mapstructure:"ssh-timeout"`
	BootTimeout       time.Duration `mapstructure:"boot-timeout"`

	Parallel        int    `mapstructure:"parallel"`
	ReportDir       string `mapstructure:"report-dir"`
	ReportFormat    string `mapstructure:"report-format"`
	MetricsTextfile string `mapstructure:"metrics-textfile"`
	MetricsAddr     string `mapstructure:"metrics-addr"`
	Inspect         bool   `mapstructure:"inspect"`
	Verbose         bool   `mapstructure:"verbose"`
}

// SetDefaults registers Viper defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("uri", controlplane.DefaultURI)
	v.SetDefault("daemon", controlplane.DefaultDaemonPath)
	v.SetDefault("client", controlplane.DefaultClientPath)
	v.SetDefault("sudo", false)
	v.SetDefault("settle-delay", controlplane.DefaultSettleDelay)
	v.SetDefault("readiness-probe", false)
	v.SetDefault("workloads-dir", guest.DefaultWorkloadsDir())
	v.SetDefault("image", DefaultImage)
	v.SetDefault("kernel", guest.DefaultKernelName())
	v.SetDefault("iso-tool", "xorriso")
	v.SetDefault("ip-class", netalloc.DefaultClass)
	v.SetDefault("memory", DefaultMemory)
	v.SetDefault("ssh-user", "cloud")
	v.SetDefault("ssh-password", "cloud123")
	v.SetDefault("ssh-key", "")
	v.SetDefault("ssh-retries", ssh.DefaultRetries)
	v.SetDefault("ssh-timeout", ssh.DefaultTimeout)
	v.SetDefault("boot-timeout", ssh.DefaultBootTimeout)
	v.SetDefault("parallel", 1)
	v.SetDefault("report-dir", DefaultReportDir)
	v.SetDefault("report-format", DefaultReportFormat)
	v.SetDefault("metrics-textfile", "")
	v.SetDefault("metrics-addr", "")
	v.SetDefault("inspect", false)
	v.SetDefault("verbose", false)
}

// BindFlags registers the configuration flags as persistent flags of cmd.
func BindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "Path to YAML config file")
	f.String("uri", "", "Connection URI of the driver under test")
	f.String("daemon", "", "Management daemon executable")
	f.String("client", "", "Management client executable")
	f.Bool("sudo", false, "Run the daemon and the client through sudo -E")
	f.Duration("settle-delay", 0, "Delay given to a fresh daemon before issuing commands")
	f.Bool("readiness-probe", false, "Poll the daemon until it answers instead of sleeping")
	f.String("workloads-dir", "", "Directory holding the guest image and kernel")
	f.String("image", "", "Guest image file name, relative to workloads-dir")
	f.String("kernel", "", "Guest kernel or firmware, relative to workloads-dir")
	f.String("iso-tool", "", "Tool building the cloud-init seed image")
	f.String("ip-class", "", "First two octets of guest and host addresses")
	f.String("memory", "", "Memory of guests, e.g. 1Gi")
	f.String("ssh-user", "", "SSH user for guests")
	f.String("ssh-password", "", "SSH password for guests")
	f.String("ssh-key", "", "SSH private key used to reach guests")
	f.StringSlice("ssh-authorized-key", nil, "Public key authorized in guests (repeatable)")
	f.Int("ssh-retries", 0, "Attempts per remote command")
	f.Duration("ssh-timeout", 0, "Timeout of one remote command attempt")
	f.Duration("boot-timeout", 0, "Time a guest is given to boot")
	f.Int("parallel", 0, "Scenarios run at once")
	f.String("report-dir", "", "Directory receiving run reports")
	f.String("report-format", "", "Report format: text or json")
	f.String("metrics-textfile", "", "Write run metrics to this file")
	f.String("metrics-addr", "", "Serve run metrics on this address while running")
	f.Bool("inspect", false, "Also check domain states through the libvirt API")
	f.BoolP("verbose", "v", false, "Enable debug logs")
}

// Load loads the configuration of cmd using the Viper priority chain:
// flags > env > file > defaults.
func Load(cmd *cobra.Command) (*Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	// Flags only override when explicitly set.
	var bindErr error
	for _, name := range []string{
		"uri", "daemon", "client", "sudo", "settle-delay", "readiness-probe",
		"workloads-dir", "image", "kernel", "iso-tool", "ip-class", "memory",
		"ssh-user", "ssh-password", "ssh-key", "ssh-retries", "ssh-timeout", "boot-timeout",
		"parallel", "report-dir", "report-format", "metrics-textfile", "metrics-addr", "inspect", "verbose",
	} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			bindErr = errors.Join(bindErr, v.BindPFlag(name, f))
		}
	}
	if bindErr != nil {
		return nil, bindErr
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("ssh-authorized-key") {
		keys, _ := cmd.Flags().GetStringSlice("ssh-authorized-key")
		if len(keys) > 0 {
			cfg.SSHAuthorizedKeys = keys
		}
	}

	return cfg, cfg.Validate()
}

// FromEnv loads the configuration without flags, for `go test` entry points. CHVIRT_CONFIG may
// name a YAML file.
func FromEnv() (*Config, error) {
	v, err := newViper(os.Getenv(configFileEnv))
	if err != nil {
		return nil, err
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return v, nil
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	cfg.SSHAuthorizedKeys = resolveAuthorizedKeys(v)

	return cfg, nil
}

// resolveAuthorizedKeys reads CHVIRT_SSH_AUTHORIZED_KEYS as a comma-separated list, falling back
// to the YAML list.
func resolveAuthorizedKeys(v *viper.Viper) []string {
	if envVal := os.Getenv(authorizedKeysEnv); envVal != "" {
		var keys []string
		for _, p := range strings.Split(envVal, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				keys = append(keys, trimmed)
			}
		}
		if len(keys) > 0 {
			return keys
		}
	}

	return v.GetStringSlice("ssh-authorized-keys")
}

// Validate checks every field that has a constrained domain.
func (c *Config) Validate() error {
	var errs []error

	if c.URI == "" {
		errs = append(errs, errors.New("uri cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"settle-delay": c.SettleDelay,
		"ssh-timeout":  c.SSHTimeout,
		"boot-timeout": c.BootTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.SSHRetries < 1 {
		errs = append(errs, fmt.Errorf("ssh-retries must be at least 1, got %d", c.SSHRetries))
	}
	if c.Parallel < 1 {
		errs = append(errs, fmt.Errorf("parallel must be at least 1, got %d", c.Parallel))
	}
	// Every scenario wipes and restarts the system daemon: they cannot overlap.
	if c.Parallel > 1 && isSystemURI(c.URI) {
		errs = append(errs, fmt.Errorf("parallel must be 1 with the system URI %q, got %d", c.URI, c.Parallel))
	}
	if _, err := c.MemoryBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := report.ParseFormat(c.ReportFormat); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append(errs, errInvalidConfig)...)
	}
	return nil
}

func isSystemURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Path == "/system"
}

// MemoryBytes parses Memory as a Kubernetes quantity.
func (c *Config) MemoryBytes() (uint64, error) {
	q, err := resource.ParseQuantity(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("memory %q: %w", c.Memory, err)
	}
	if q.Sign() <= 0 {
		return 0, fmt.Errorf("memory must be positive, got %s", q.String())
	}
	return uint64(q.Value()), nil
}

// ImagePath is the guest image, resolved against WorkloadsDir.
func (c *Config) ImagePath() string {
	return c.resolve(c.Image)
}

// KernelPath is the guest kernel, resolved against WorkloadsDir.
func (c *Config) KernelPath() string {
	return c.resolve(c.Kernel)
}

func (c *Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.WorkloadsDir, name)
}

// ControlPlane returns the process controller configuration.
func (c *Config) ControlPlane() controlplane.Config {
	return controlplane.Config{
		URI:            c.URI,
		DaemonPath:     c.Daemon,
		ClientPath:     c.Client,
		SettleDelay:    c.SettleDelay,
		ReadinessProbe: c.ReadinessProbe,
		State:          controlplane.DefaultStateLayout(),
	}
}

// ExecContext returns the context the daemon and client run in.
func (c *Config) ExecContext() execcontext.Context {
	if c.Sudo {
		return execcontext.Sudo()
	}
	return execcontext.Empty()
}
