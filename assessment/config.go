package assessment

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TotalWeight is the sum every loaded weight table must reach.
const TotalWeight = 100.0

const (
	defaultCriterionTimeout = 5 * time.Second
	defaultWorkers          = 6
)

var (
	ErrNoCriteria       = errors.New("assessment: no criteria configured")
	ErrInvalidWeight    = errors.New("assessment: criterion weight must be positive")
	ErrDuplicateName    = errors.New("assessment: duplicate criterion name")
	ErrWeightTotal      = errors.New("assessment: weights do not sum to the fixed total")
	ErrUnknownCriterion = errors.New("assessment: unknown criterion")
	ErrInvalidThreshold = errors.New("assessment: high value threshold must be positive")
)

// Config is the process-wide criterion table. It is built once at startup
// and never mutated; accessors return copies.
type Config struct {
	criteria         []Criterion
	criterionTimeout time.Duration
	workers          int
}

// NewConfig validates and freezes a criterion set. Non-positive timeout or
// worker values fall back to defaults.
func NewConfig(criteria []Criterion, criterionTimeout time.Duration, workers int) (Config, error) {
	if len(criteria) == 0 {
		return Config{}, ErrNoCriteria
	}
	seen := make(map[string]struct{}, len(criteria))
	for _, c := range criteria {
		if w := c.Weight(); !(w > 0) || math.IsInf(w, 0) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalidWeight, c.Name())
		}
		if _, dup := seen[c.Name()]; dup {
			return Config{}, fmt.Errorf("%w: %s", ErrDuplicateName, c.Name())
		}
		seen[c.Name()] = struct{}{}
	}
	if criterionTimeout <= 0 {
		criterionTimeout = defaultCriterionTimeout
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return Config{
		criteria:         append([]Criterion(nil), criteria...),
		criterionTimeout: criterionTimeout,
		workers:          workers,
	}, nil
}

// DefaultCriteria returns the six standard criteria weighted 25/20/15/10/15/15.
func DefaultCriteria() []Criterion {
	return []Criterion{
		deliveryConfirmation{weight: 25},
		deliveryTimeline{weight: 20},
		sellerResponsiveness{weight: 15},
		transactionValue{weight: 10, highValue: DefaultHighValueLimit},
		buyerCredibility{weight: 15},
		sellerCredibility{weight: 15},
	}
}

// DefaultConfig returns the standard criteria with their default weights.
func DefaultConfig() Config {
	cfg, err := NewConfig(DefaultCriteria(), defaultCriterionTimeout, defaultWorkers)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) Criteria() []Criterion {
	return append([]Criterion(nil), c.criteria...)
}

func (c Config) CriterionTimeout() time.Duration { return c.criterionTimeout }

func (c Config) Workers() int { return c.workers }

// TotalWeight returns the denominator used for every assessment.
func (c Config) TotalWeight() float64 {
	var total float64
	for _, cr := range c.criteria {
		total += cr.Weight()
	}
	return total
}

// fileConfig is the on-disk weight table.
//
//	weights:
//	  delivery_confirmation: 25
//	  delivery_timeline: 20
//	high_value_threshold: 500
type fileConfig struct {
	Weights            map[string]float64 `yaml:"weights"`
	HighValueThreshold float64            `yaml:"high_value_threshold"`
}

// LoadConfig reads weight overrides for the standard criteria from a YAML
// file. Criteria absent from the file keep their default weight; the final
// table must still sum to TotalWeight.
func LoadConfig(path string, criterionTimeout time.Duration, workers int) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("assessment: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("assessment: parse config: %w", err)
	}
	criteria, err := applyOverrides(fc)
	if err != nil {
		return Config{}, err
	}
	return NewConfig(criteria, criterionTimeout, workers)
}

func applyOverrides(fc fileConfig) ([]Criterion, error) {
	weights := map[string]float64{}
	for _, c := range DefaultCriteria() {
		weights[c.Name()] = c.Weight()
	}
	for name, w := range fc.Weights {
		if _, ok := weights[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCriterion, name)
		}
		weights[name] = w
	}
	highValue := DefaultHighValueLimit
	if fc.HighValueThreshold != 0 {
		if fc.HighValueThreshold < 0 {
			return nil, ErrInvalidThreshold
		}
		highValue = fc.HighValueThreshold
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if math.Abs(total-TotalWeight) > 1e-9 {
		return nil, fmt.Errorf("%w: got %.2f want %.0f", ErrWeightTotal, total, TotalWeight)
	}

	return []Criterion{
		deliveryConfirmation{weight: weights[DeliveryConfirmation]},
		deliveryTimeline{weight: weights[DeliveryTimeline]},
		sellerResponsiveness{weight: weights[SellerResponsiveness]},
		transactionValue{weight: weights[TransactionValue], highValue: highValue},
		buyerCredibility{weight: weights[BuyerCredibility]},
		sellerCredibility{weight: weights[SellerCredibility]},
	}, nil
}
