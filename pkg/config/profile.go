package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackmesa/steward/pkg/contracts"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Profile is a named execution posture: plan thresholds, gate mode, and
// limiter settings tuned for one environment (e.g. staging, production,
// lockdown drill).
type Profile struct {
	Name       string          `yaml:"name" json:"name"`
	Code       string          `yaml:"code" json:"code"`
	Mode       string          `yaml:"mode" json:"mode"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
	Limiter    LimiterConfig   `yaml:"limiter" json:"limiter"`
	Governor   GovernorConfig  `yaml:"governor" json:"governor"`
}

// ThresholdConfig mirrors the plan safety thresholds in YAML form.
type ThresholdConfig struct {
	MaxConcurrent        int      `yaml:"max_concurrent" json:"max_concurrent"`
	DelayBetween         Duration `yaml:"delay_between" json:"delay_between"`
	MaxRiskScore         float64  `yaml:"max_risk_score" json:"max_risk_score"`
	MaxAffectedContent   int      `yaml:"max_affected_content" json:"max_affected_content"`
	RollbackOnErrorRate  float64  `yaml:"rollback_on_error_rate" json:"rollback_on_error_rate"`
	RollbackOnMetricDrop float64  `yaml:"rollback_on_metric_drop" json:"rollback_on_metric_drop"`
	Timeout              Duration `yaml:"timeout" json:"timeout"`
}

// LimiterConfig holds rate-limit settings per profile.
type LimiterConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// GovernorConfig holds governor tuning per profile.
type GovernorConfig struct {
	RuleFile        string   `yaml:"rule_file,omitempty" json:"rule_file,omitempty"`
	DefaultCooldown Duration `yaml:"default_cooldown" json:"default_cooldown"`
}

// PlanConfig converts the profile thresholds into a plan config. Zero
// fields fall back to package defaults downstream, so a sparse profile
// never disables a safety net.
func (p *Profile) PlanConfig() contracts.PlanConfig {
	return contracts.PlanConfig{
		MaxConcurrent:        p.Thresholds.MaxConcurrent,
		DelayBetween:         p.Thresholds.DelayBetween.Std(),
		MaxRiskScore:         p.Thresholds.MaxRiskScore,
		MaxAffectedContent:   p.Thresholds.MaxAffectedContent,
		RollbackOnErrorRate:  p.Thresholds.RollbackOnErrorRate,
		RollbackOnMetricDrop: p.Thresholds.RollbackOnMetricDrop,
		Timeout:              p.Thresholds.Timeout.Std(),
	}
}

// LoadProfile loads a profile YAML by code. It looks for
// profile_<code>.yaml in the profiles directory.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// code.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}
