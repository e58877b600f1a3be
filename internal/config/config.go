// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads and validates the fuzzer's TOML configuration
// (spec.md §6.5), grounded on §10.3's expansion and the validation-chain
// shape of original_source/fuzzer/src/lib.rs's Config::check() delegating
// to each sub-config's own .check().
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/healer-project/healer/internal/mail"
	"github.com/healer-project/healer/pkg/stats"
)

// GuestConfig configures guest provisioning.
type GuestConfig struct {
	Kind string `toml:"kind"` // e.g. "qemu", "ssh", "process" (this repo's local stand-in)
}

// QemuConfig is the optional "qemu?" TOML section.
type QemuConfig struct {
	Image    string `toml:"image"`
	Kernel   string `toml:"kernel"`
	CPU      int    `toml:"cpu"`
	MemMB    int    `toml:"mem_mb"`
}

func (c *QemuConfig) Check() error {
	if c == nil {
		return nil
	}
	if c.Image == "" {
		return fmt.Errorf("qemu: image must not be empty")
	}
	if _, err := os.Stat(c.Image); err != nil {
		return fmt.Errorf("qemu: image: %w", err)
	}
	return nil
}

// SSHConfig is the optional "ssh?" TOML section.
type SSHConfig struct {
	Host    string `toml:"host"`
	User    string `toml:"user"`
	KeyPath string `toml:"key_path"`
}

func (c *SSHConfig) Check() error {
	if c == nil {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("ssh: host must not be empty")
	}
	if c.KeyPath != "" {
		if _, err := os.Stat(c.KeyPath); err != nil {
			return fmt.Errorf("ssh: key_path: %w", err)
		}
	}
	return nil
}

// ExecutorConfig is the "executor" TOML section (spec.md §6.5).
type ExecutorConfig struct {
	Path         string `toml:"path"`
	HostIP       string `toml:"host_ip"`
	Concurrency  bool   `toml:"concurrency"`
	MemleakCheck bool   `toml:"memleak_check"`
}

func (c ExecutorConfig) Check() error {
	if c.Path == "" {
		return fmt.Errorf("executor: path must not be empty")
	}
	if _, err := os.Stat(c.Path); err != nil {
		return fmt.Errorf("executor: path: %w", err)
	}
	return nil
}

func (c ExecutorConfig) hostIP() string {
	if c.HostIP != "" {
		return c.HostIP
	}
	return "127.0.0.1"
}

// HostIPOrDefault returns the configured host IP, defaulting to 127.0.0.1.
func (c ExecutorConfig) HostIPOrDefault() string { return c.hostIP() }

// SamplerConfig is the optional "sampler?" TOML section (spec.md §4.8).
type SamplerConfig struct {
	SampleIntervalSeconds int `toml:"sample_interval"`
	ReportIntervalMinutes int `toml:"report_interval"`
}

// ToStatsConf converts the TOML-native integer fields into a
// stats.Conf, applying spec.md §4.8's defaults (15s/60min) when the
// section is absent (zero value).
func (c SamplerConfig) ToStatsConf() stats.Conf {
	conf := stats.DefaultConf()
	if c.SampleIntervalSeconds > 0 {
		conf.SampleInterval = time.Duration(c.SampleIntervalSeconds) * time.Second
	}
	if c.ReportIntervalMinutes > 0 {
		conf.ReportInterval = time.Duration(c.ReportIntervalMinutes) * time.Minute
	}
	return conf
}

// Config is the top-level TOML document (spec.md §6.5).
type Config struct {
	FotsBin string `toml:"fots_bin"`
	Corpus  string `toml:"corpus"`
	VMNum   int    `toml:"vm_num"`

	Guest    GuestConfig     `toml:"guest"`
	Qemu     *QemuConfig     `toml:"qemu"`
	SSH      *SSHConfig      `toml:"ssh"`
	Executor ExecutorConfig  `toml:"executor"`
	Mail     *mail.Config    `toml:"mail"`
	Sampler  SamplerConfig   `toml:"sampler"`
}

// Load reads and parses path into a Config, without validating it; call
// Check separately so load errors and validation errors stay distinct
// (spec.md §7: config errors are never retried, always fatal).
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// Check validates the whole config tree, delegating to each sub-config's
// own Check() (spec.md §6.5: "vm_num ∈ (0, num_cpus]. Missing files or
// invalid ranges abort with the configured exit code").
func (c *Config) Check() error {
	if c.FotsBin == "" {
		return fmt.Errorf("config: fots_bin must not be empty")
	}
	if _, err := os.Stat(c.FotsBin); err != nil {
		return fmt.Errorf("config: fots_bin: %w", err)
	}
	if c.Corpus != "" {
		if _, err := os.Stat(c.Corpus); err != nil {
			return fmt.Errorf("config: corpus: %w", err)
		}
	}
	if c.VMNum <= 0 || c.VMNum > runtime.NumCPU() {
		return fmt.Errorf("config: vm_num must be in (0, %d], got %d", runtime.NumCPU(), c.VMNum)
	}
	if err := c.Qemu.Check(); err != nil {
		return err
	}
	if err := c.SSH.Check(); err != nil {
		return err
	}
	if err := c.Executor.Check(); err != nil {
		return err
	}
	if c.Mail != nil {
		if err := c.Mail.Check(); err != nil {
			return err
		}
	}
	if err := c.Sampler.ToStatsConf().Check(); err != nil {
		return err
	}
	return nil
}
