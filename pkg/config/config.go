// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the scheduling core's own tunables: the values the
// spec describes as read from configuration (complete_wait, message_timeout,
// scheduler_params, prolog/epilog program paths). Loading the surrounding
// cluster configuration itself (slurm.conf and friends) is an external
// collaborator's job and out of scope here; this package only shapes and
// validates the handful of values the scheduler core consults directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the scheduling core.
type Config struct {
	// CompleteWaitSeconds is the fragmentation-avoidance window (spec §4.5):
	// while any job is completing and its end time is within this many
	// seconds, schedule() returns 0 without considering any job.
	CompleteWaitSeconds int `yaml:"complete_wait"`

	// MessageTimeoutSeconds derives SchedTimeout (clamped to [1,10]s).
	MessageTimeoutSeconds int `yaml:"message_timeout"`

	// SchedulerType names the active scheduling policy ("builtin", "backfill", ...).
	SchedulerType string `yaml:"scheduler_type"`

	// SchedulerParams is the raw comma-separated key=value list (spec §6);
	// ParsedParams() below decodes the fields the dispatch loop consults.
	SchedulerParams string `yaml:"scheduler_params"`

	// PrologProgramPath and EpilogProgramPath are the configured lifecycle
	// script paths (spec §4.7). Empty means the corresponding hook is a no-op.
	PrologProgramPath string `yaml:"prolog_program_path"`
	EpilogProgramPath string `yaml:"epilog_program_path"`

	// LastUpdate is a monotonically increasing token bumped whenever the
	// configuration is reloaded; collaborators can compare against it to
	// detect a stale snapshot (spec §6 "Configuration reads: ... last_update").
	LastUpdate int64 `yaml:"-"`
}

// SchedulerParamFields are the scheduler_params keys the dispatch loop and
// predictor consult (spec §4.5, §6).
type SchedulerParamFields struct {
	DefaultQueueDepth int
	BackfillSched     bool
	FailByPart        bool
	BfMaxJobTest      int
}

// NewDefault returns a configuration with the defaults the spec assumes
// when a cluster leaves a value unset.
func NewDefault() *Config {
	return &Config{
		CompleteWaitSeconds:   0,
		MessageTimeoutSeconds: 10,
		SchedulerType:         "builtin",
		SchedulerParams:       "default_queue_depth=100",
		PrologProgramPath:     "",
		EpilogProgramPath:     "",
	}
}

// LoadFile reads a YAML configuration file and overlays it onto NewDefault().
// A missing file is not an error; the defaults are returned unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := NewDefault()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CompleteWaitSeconds < 0 {
		return ErrInvalidCompleteWait
	}
	if c.MessageTimeoutSeconds <= 0 {
		return ErrInvalidMessageTimeout
	}
	return nil
}

// SchedTimeout returns the per-pass time budget (spec §4.5/§8), derived from
// MessageTimeoutSeconds and clamped to [1, 10] seconds regardless of what
// was configured.
func (c *Config) SchedTimeout() time.Duration {
	secs := c.MessageTimeoutSeconds
	if secs < 1 {
		secs = 1
	}
	if secs > 10 {
		secs = 10
	}
	return time.Duration(secs) * time.Second
}

// CompleteWait returns the fragmentation-avoidance window as a duration.
func (c *Config) CompleteWait() time.Duration {
	return time.Duration(c.CompleteWaitSeconds) * time.Second
}

// ParsedParams decodes SchedulerParams into its known fields. Unknown
// key=value pairs are ignored; a negative default_queue_depth is ignored
// with the field left at its default of 100 (spec §8: "negative value ignored
// with warning" — the warning itself is the caller's responsibility since
// this function has no logger).
func (c *Config) ParsedParams() SchedulerParamFields {
	fields := SchedulerParamFields{
		DefaultQueueDepth: 100,
		BfMaxJobTest:      0,
		// FailByPart starts true on any non-BlueGene platform (the only
		// platform this spec targets); only HAVE_BG && !backfill_sched
		// forces it false in the original source, a combination excluded
		// here entirely.
		FailByPart: true,
	}
	for _, tok := range strings.Split(c.SchedulerParams, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "default_queue_depth":
			if !hasValue {
				continue
			}
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				fields.DefaultQueueDepth = n
			}
		case "bf_max_job_test":
			if !hasValue {
				continue
			}
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				fields.BfMaxJobTest = n
			}
		case "backfill_sched":
			fields.BackfillSched = true
		case "fail_by_part":
			fields.FailByPart = true
		}
	}
	return fields
}
