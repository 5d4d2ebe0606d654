// Package config provides configuration management for the scan
// orchestration core, in the shape of the teacher's own internal/config
// package: a YAML-backed struct, duration-string parsing, and an aggregated
// Validate() pass rather than fail-fast-on-first-field validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scanwright/scanorch/internal/model"
)

// LeaseConfig controls lease TTL and renewal behaviour (§6).
type LeaseConfig struct {
	TTLSecs             int     `yaml:"ttlSecs"`
	RenewAtFraction     float64 `yaml:"renewAtFraction"`
	RenewMinMarginMs    int     `yaml:"renewMinMarginMs"`
	HousekeeperInterval string  `yaml:"housekeeperInterval"`
}

// RetryConfig controls backoff for retryable job failures.
type RetryConfig struct {
	BackoffBaseMs string `yaml:"backoffBaseMs"`
	BackoffMaxMs  string `yaml:"backoffMaxMs"`
	MaxAttempts   int    `yaml:"maxAttempts"`
}

// LibraryOverride allows a specific library to deviate from the scheduler's
// default fairness weight and inflight cap.
type LibraryOverride struct {
	MaxInflight *int `yaml:"maxInflight,omitempty"`
	Weight      *int `yaml:"weight,omitempty"`
}

// BudgetConfig holds per-workload-class concurrency caps.
type BudgetConfig struct {
	LibraryScanLimit       int `yaml:"libraryScanLimit"`
	MediaAnalysisLimit     int `yaml:"mediaAnalysisLimit"`
	MetadataEnrichLimit    int `yaml:"metadataEnrichmentLimit"`
	IndexingLimit          int `yaml:"indexingLimit"`
	ImageFetchLimit        int `yaml:"imageFetchLimit"`
}

// Config is the root configuration for the orchestrator.
type Config struct {
	MaxParallel      map[model.JobKind]int      `yaml:"maxParallel"`
	LibraryOverrides map[string]LibraryOverride `yaml:"libraryOverrides"`
	PriorityWeights  map[model.Priority]int     `yaml:"priorityWeights"`
	Lease            LeaseConfig                `yaml:"lease"`
	Budget           BudgetConfig               `yaml:"budget"`
	QuiescenceWindow string                     `yaml:"quiescenceWindow"`
	StallMultiplier  int                        `yaml:"stallTimeoutMultiplier"`
	Retry            RetryConfig                `yaml:"retry"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns a Config populated with the defaults named in SPEC_FULL §6.
func Default() Config {
	return Config{
		MaxParallel: map[model.JobKind]int{
			model.KindFolderScan:     4,
			model.KindMediaAnalyze:   8,
			model.KindMetadataEnrich: 4,
			model.KindEpisodeMatch:   4,
			model.KindSeriesResolve:  2,
			model.KindIndexUpsert:    4,
			model.KindImageFetch:     4,
		},
		LibraryOverrides: map[string]LibraryOverride{},
		PriorityWeights: map[model.Priority]int{
			model.P0: 1,
			model.P1: 1,
			model.P2: 1,
			model.P3: 1,
		},
		Lease: LeaseConfig{
			TTLSecs:             30,
			RenewAtFraction:     0.5,
			RenewMinMarginMs:    2000,
			HousekeeperInterval: "5s",
		},
		Budget: BudgetConfig{
			LibraryScanLimit:    4,
			MediaAnalysisLimit:  8,
			MetadataEnrichLimit: 4,
			IndexingLimit:       4,
			ImageFetchLimit:     4,
		},
		QuiescenceWindow: "3s",
		StallMultiplier:  5,
		Retry: RetryConfig{
			BackoffBaseMs: "500ms",
			BackoffMaxMs:  "30s",
			MaxAttempts:   5,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file, merging it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("config: invalid: %w", joinErrors(errs))
	}
	return cfg, nil
}

// Validate aggregates every configuration problem instead of stopping at
// the first one, matching the teacher's validation.go posture.
func (c Config) Validate() []error {
	var errs []error
	for kind, n := range c.MaxParallel {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("maxParallel[%s] must be positive, got %d", kind, n))
		}
	}
	if c.Lease.TTLSecs <= 0 {
		errs = append(errs, fmt.Errorf("lease.ttlSecs must be positive"))
	}
	if c.Lease.RenewAtFraction <= 0 || c.Lease.RenewAtFraction >= 1 {
		errs = append(errs, fmt.Errorf("lease.renewAtFraction must be in (0,1)"))
	}
	if _, err := time.ParseDuration(c.Lease.HousekeeperInterval); err != nil {
		errs = append(errs, fmt.Errorf("lease.housekeeperInterval: %w", err))
	}
	if _, err := time.ParseDuration(c.QuiescenceWindow); err != nil {
		errs = append(errs, fmt.Errorf("quiescenceWindow: %w", err))
	}
	if c.StallMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("stallTimeoutMultiplier must be positive"))
	}
	if _, err := time.ParseDuration(c.Retry.BackoffBaseMs); err != nil {
		errs = append(errs, fmt.Errorf("retry.backoffBaseMs: %w", err))
	}
	if _, err := time.ParseDuration(c.Retry.BackoffMaxMs); err != nil {
		errs = append(errs, fmt.Errorf("retry.backoffMaxMs: %w", err))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.maxAttempts must be positive"))
	}
	return errs
}

// LeaseTTL returns the parsed lease TTL.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSecs) * time.Second
}

// HousekeeperInterval returns the parsed housekeeper sweep interval.
func (c Config) HousekeeperInterval() time.Duration {
	d, _ := time.ParseDuration(c.Lease.HousekeeperInterval)
	return d
}

// QuiescenceWindowDuration returns the parsed quiescence window.
func (c Config) QuiescenceWindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.QuiescenceWindow)
	return d
}

// StallTimeout returns the quiescence window scaled by the stall multiplier.
func (c Config) StallTimeout() time.Duration {
	return c.QuiescenceWindowDuration() * time.Duration(c.StallMultiplier)
}

// BackoffBase returns the parsed minimum retry backoff.
func (c Config) BackoffBase() time.Duration {
	d, _ := time.ParseDuration(c.Retry.BackoffBaseMs)
	return d
}

// BackoffMax returns the parsed maximum retry backoff.
func (c Config) BackoffMax() time.Duration {
	d, _ := time.ParseDuration(c.Retry.BackoffMaxMs)
	return d
}

func joinErrors(errs []error) error {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("%s", msg)
}
