package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"planstate/internal/core"
	"planstate/pkg/domain"
)

// policyFile mirrors the YAML policy document. Decimal values are decoded as
// strings so no precision is lost to float parsing.
type policyFile struct {
	PeriodMonths         int            `mapstructure:"period_months"`
	DeltaThreshold       int            `mapstructure:"delta_threshold"`
	MaxPriority          int            `mapstructure:"max_priority"`
	RehirePolicy         string         `mapstructure:"rehire_policy"`
	BoundsPolicy         string         `mapstructure:"bounds_policy"`
	RetentionWindow      time.Duration  `mapstructure:"retention_window"`
	Concurrency          int            `mapstructure:"concurrency"`
	ReconcileEpsilon     string         `mapstructure:"reconcile_epsilon"`
	ReferentialIntegrity bool           `mapstructure:"referential_integrity"`
	DetailedReport       bool           `mapstructure:"detailed_report"`
	Retry                retryPolicy    `mapstructure:"retry"`
	Bounds               rangePolicy    `mapstructure:"bounds"`
	Baseline             string         `mapstructure:"baseline"`
	Precedence           map[string]int `mapstructure:"precedence"`
	Plans                []planPolicy   `mapstructure:"plans"`
	Extra                map[string]any `mapstructure:",remain"`
}

type retryPolicy struct {
	Attempts        uint          `mapstructure:"attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

type rangePolicy struct {
	Min string `mapstructure:"min"`
	Max string `mapstructure:"max"`
}

// planPolicy carries per-plan overrides. Plans are a list so that plan ids
// keep their case.
type planPolicy struct {
	ID       string       `mapstructure:"id"`
	Bounds   *rangePolicy `mapstructure:"bounds"`
	Baseline string       `mapstructure:"baseline"`
}

// LoadPolicy reads the engine policy from path, layered over the defaults.
// Scalar keys may be overridden by PLANSTATE_<KEY> variables, e.g.
// PLANSTATE_REHIRE_POLICY or PLANSTATE_RETRY_ATTEMPTS. An empty path
// returns the defaults with environment overrides applied.
func LoadPolicy(path string) (core.Config, error) {
	def := core.DefaultConfig()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PLANSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("period_months", def.PeriodMonths)
	v.SetDefault("delta_threshold", def.DeltaThreshold)
	v.SetDefault("max_priority", def.MaxPriority)
	v.SetDefault("rehire_policy", string(def.RehirePolicy))
	v.SetDefault("bounds_policy", string(def.BoundsPolicy))
	v.SetDefault("retention_window", def.RetentionWindow)
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("reconcile_epsilon", def.ReconcileEpsilon.String())
	v.SetDefault("referential_integrity", def.ReferentialIntegrity)
	v.SetDefault("detailed_report", def.DetailedReport)
	v.SetDefault("retry.attempts", def.RetryAttempts)
	v.SetDefault("retry.initial_interval", def.RetryInitialInterval)
	v.SetDefault("bounds.min", def.DefaultBounds.Min.String())
	v.SetDefault("bounds.max", def.DefaultBounds.Max.String())
	v.SetDefault("baseline", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return core.Config{}, invalidPolicy("read policy %s: %v", path, err)
		}
	}
	var pf policyFile
	if err := v.Unmarshal(&pf); err != nil {
		return core.Config{}, invalidPolicy("decode policy: %v", err)
	}
	cfg, err := pf.toConfig(def)
	if err != nil {
		return core.Config{}, err
	}
	return cfg, cfg.Validate()
}

func (pf policyFile) toConfig(def core.Config) (core.Config, error) {
	if len(pf.Extra) > 0 {
		keys := make([]string, 0, len(pf.Extra))
		for k := range pf.Extra {
			keys = append(keys, k)
		}
		return core.Config{}, invalidPolicy("unknown policy keys %v", keys)
	}
	cfg := def
	cfg.PeriodMonths = pf.PeriodMonths
	cfg.DeltaThreshold = pf.DeltaThreshold
	cfg.MaxPriority = pf.MaxPriority
	cfg.RehirePolicy = core.RehirePolicy(pf.RehirePolicy)
	cfg.BoundsPolicy = core.BoundsPolicy(pf.BoundsPolicy)
	cfg.RetentionWindow = pf.RetentionWindow
	cfg.Concurrency = pf.Concurrency
	cfg.ReferentialIntegrity = pf.ReferentialIntegrity
	cfg.DetailedReport = pf.DetailedReport
	cfg.RetryAttempts = pf.Retry.Attempts
	cfg.RetryInitialInterval = pf.Retry.InitialInterval

	var errs []error
	parse := func(field, s string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a decimal", field, s))
		}
		return d
	}
	cfg.ReconcileEpsilon = parse("reconcile_epsilon", pf.ReconcileEpsilon)
	cfg.DefaultBounds = core.Bounds{Min: parse("bounds.min", pf.Bounds.Min), Max: parse("bounds.max", pf.Bounds.Max)}
	if pf.Baseline != "" {
		b := parse("baseline", pf.Baseline)
		cfg.DefaultBaseline = &b
	}
	if len(pf.Precedence) > 0 {
		cfg.Precedence = make(map[domain.EventType]int, len(pf.Precedence))
		for t, p := range pf.Precedence {
			cfg.Precedence[domain.EventType(t)] = p
		}
	}
	cfg.PlanBounds = make(map[string]core.Bounds)
	cfg.Baselines = make(map[string]decimal.Decimal)
	for i, plan := range pf.Plans {
		if plan.ID == "" {
			errs = append(errs, fmt.Errorf("plans[%d]: id required", i))
			continue
		}
		if plan.Bounds != nil {
			b := core.Bounds{Min: cfg.DefaultBounds.Min, Max: cfg.DefaultBounds.Max}
			if plan.Bounds.Min != "" {
				b.Min = parse("plans."+plan.ID+".bounds.min", plan.Bounds.Min)
			}
			if plan.Bounds.Max != "" {
				b.Max = parse("plans."+plan.ID+".bounds.max", plan.Bounds.Max)
			}
			cfg.PlanBounds[plan.ID] = b
		}
		if plan.Baseline != "" {
			cfg.Baselines[plan.ID] = parse("plans."+plan.ID+".baseline", plan.Baseline)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return core.Config{}, invalidPolicy("%v", err)
	}
	return cfg, nil
}

func invalidPolicy(format string, args ...any) error {
	return &domain.Error{Code: domain.CodeInvalidConfig, Message: fmt.Sprintf(format, args...)}
}
