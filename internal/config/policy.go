package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// validate backs policy validation; struct tags carry the simple bounds and
// Validate methods add the cross-field rules tags cannot express.
var validate = validator.New(validator.WithRequiredStructEnabled())

// BatchingPolicy is the central configuration for order batching. All
// thresholds live here so behavior can be tuned without touching the
// clustering, feasibility, or selection code.
type BatchingPolicy struct {
	// MaxBatchSize is the upper bound on orders per Job.
	MaxBatchSize int `yaml:"max_batch_size" validate:"gte=1"`

	// MaxClusterCandidates caps orders per cluster before combinatorics.
	MaxClusterCandidates int `yaml:"max_cluster_candidates" validate:"gt=0"`

	// MaxCandidatePairs guards the enumerated pair count.
	MaxCandidatePairs int `yaml:"max_candidate_pairs" validate:"gt=0"`

	// NearPickupTimeSec merges coordinate buckets across pickups whose
	// mutual travel time is within this threshold. Zero disables the merge.
	NearPickupTimeSec int `yaml:"near_pickup_time_sec" validate:"gte=0"`

	// EnableContinuousChaining bypasses clustering and uses one global pool;
	// detour caps reject bad merges downstream.
	EnableContinuousChaining bool `yaml:"enable_continuous_chaining"`

	// PairDetourCap is the maximum batch_time/single_sum when growing to size 2.
	PairDetourCap float64 `yaml:"pair_detour_cap" validate:"gte=1"`

	// MultiDetourCap is the maximum for size >= 3.
	MultiDetourCap float64 `yaml:"multi_detour_cap" validate:"gte=1"`

	// BatchingSoftWaitSec is the RAW age after which orders migrate to BATCHING.
	BatchingSoftWaitSec int `yaml:"batching_soft_wait_sec" validate:"gte=0"`

	// BatchingHardWaitSec is the hard finalize-as-single threshold. Validated
	// against the soft wait; the rolling-horizon deferral itself uses
	// MaxWaitTimeSeconds exclusively.
	BatchingHardWaitSec int `yaml:"batching_hard_wait_sec" validate:"gte=0"`

	// EnableRollingHorizon defers SINGLE emission until the order has aged.
	EnableRollingHorizon bool `yaml:"enable_rolling_horizon"`

	// MaxWaitTimeSeconds is the age threshold for SINGLE emission.
	MaxWaitTimeSeconds int `yaml:"max_wait_time_seconds" validate:"gte=0"`

	// PreferOlderOrders injects age into scoring and tie-breaking.
	PreferOlderOrders bool `yaml:"prefer_older_orders"`

	// AgeWeight is the coefficient on age seconds in the score.
	AgeWeight float64 `yaml:"age_weight" validate:"gte=0"`
}

// Validate reports the first policy violation wrapped in ErrInvalidPolicy.
// Call once at startup; a failure is fatal.
func (p BatchingPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: batching: %v", domain.ErrInvalidPolicy, err)
	}
	if p.BatchingHardWaitSec < p.BatchingSoftWaitSec {
		return fmt.Errorf("%w: batching: hard wait %d < soft wait %d",
			domain.ErrInvalidPolicy, p.BatchingHardWaitSec, p.BatchingSoftWaitSec)
	}
	return nil
}

// WaveCount is the fixed number of broadcast rings.
const WaveCount = 5

// MaxWaveFanout caps drivers notified per wave.
const MaxWaveFanout = 5

// DispatchPolicy is the central configuration for driver waves.
type DispatchPolicy struct {
	// WaveTimeoutSeconds is the per-wave wait before broadening to the next ring.
	WaveTimeoutSeconds int `yaml:"wave_timeout_seconds" validate:"gt=0"`

	// WaveRadiiDegrees holds exactly five increasing Euclidean degree-distance
	// thresholds, used when no routing oracle is injected. 0.02 degrees is
	// roughly 2.2 km.
	WaveRadiiDegrees []float64 `yaml:"wave_radii_degrees" validate:"len=5"`

	// WaveETASeconds holds exactly five increasing travel-time thresholds,
	// enforced when a routing oracle is injected.
	WaveETASeconds []float64 `yaml:"wave_eta_seconds" validate:"len=5"`

	// DefaultRequiredCapacity is the fallback when a job omits its demand.
	DefaultRequiredCapacity int `yaml:"default_required_capacity" validate:"gte=1"`

	// AcceptPollIntervalMS bounds how often the wave wait re-checks acceptance.
	AcceptPollIntervalMS int `yaml:"accept_poll_interval_ms" validate:"gt=0"`
}

// Validate reports the first policy violation wrapped in ErrInvalidPolicy.
func (p DispatchPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: dispatch: %v", domain.ErrInvalidPolicy, err)
	}
	if err := strictlyIncreasing("wave_radii_degrees", p.WaveRadiiDegrees); err != nil {
		return err
	}
	return strictlyIncreasing("wave_eta_seconds", p.WaveETASeconds)
}

func strictlyIncreasing(name string, xs []float64) error {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return fmt.Errorf("%w: dispatch: %s must be strictly increasing", domain.ErrInvalidPolicy, name)
		}
	}
	if len(xs) > 0 && xs[0] <= 0 {
		return fmt.Errorf("%w: dispatch: %s thresholds must be positive", domain.ErrInvalidPolicy, name)
	}
	return nil
}
