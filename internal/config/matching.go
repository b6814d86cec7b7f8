package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// MatchingConfig is the reconciliation policy. It is hot-reloaded from
// reconciliation.yml so thresholds can be tuned per deployment without a restart.
type MatchingConfig struct {
	AmountWeight               float64       `mapstructure:"amountWeight"`
	TextWeight                 float64       `mapstructure:"textWeight"`
	RecencyWeight              float64       `mapstructure:"recencyWeight"`
	AutoMatchThreshold         float64       `mapstructure:"autoMatchThreshold"`
	ReviewThreshold            float64       `mapstructure:"reviewThreshold"`
	AmbiguityMargin            float64       `mapstructure:"ambiguityMargin"`
	AnonymousConfidenceCeiling float64       `mapstructure:"anonymousConfidenceCeiling"`
	AmountToleranceCents       int64         `mapstructure:"amountToleranceCents"`
	GracePeriod                time.Duration `mapstructure:"gracePeriod"`
	CandidateWindow            time.Duration `mapstructure:"candidateWindow"`
	MaxMatchingAttempts        int           `mapstructure:"maxMatchingAttempts"`
	RetryBackoff               time.Duration `mapstructure:"retryBackoff"`
	MaxRetryBackoff            time.Duration `mapstructure:"maxRetryBackoff"`
}

func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		AmountWeight:               0.5,
		TextWeight:                 0.3,
		RecencyWeight:              0.2,
		AutoMatchThreshold:         0.85,
		ReviewThreshold:            0.5,
		AmbiguityMargin:            0.1,
		AnonymousConfidenceCeiling: 0.95,
		AmountToleranceCents:       10,
		GracePeriod:                15 * time.Minute,
		CandidateWindow:            72 * time.Hour,
		MaxMatchingAttempts:        5,
		RetryBackoff:               time.Minute,
		MaxRetryBackoff:            30 * time.Minute,
	}
}

type MatchingConfigHolder struct {
	current atomic.Value // holds MatchingConfig
}

func NewMatchingConfigHolder(log *zap.Logger) (*MatchingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.matching")

	v := viper.New()

	v.SetConfigName("reconciliation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/yapepro/config")
	v.AddConfigPath("/etc/yapepro")
	v.AddConfigPath(".")

	v.SetEnvPrefix("YAPEPRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultMatchingConfig()
	setMatchingDefaults(v, defaults)

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	cfg, err := unmarshalMatching(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateMatchingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticMatchingConfigHolder(cfg)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalMatching(v)
		if err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := ValidateMatchingConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticMatchingConfigHolder returns a holder that never reloads.
func NewStaticMatchingConfigHolder(cfg MatchingConfig) *MatchingConfigHolder {
	holder := &MatchingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *MatchingConfigHolder) Get() MatchingConfig {
	if h == nil {
		return DefaultMatchingConfig()
	}
	return h.current.Load().(MatchingConfig)
}

// unmarshalMatching decodes the full settings tree so file values are merged
// with the registered defaults key by key.
func unmarshalMatching(v *viper.Viper) (MatchingConfig, error) {
	var wrapper struct {
		Matching MatchingConfig `mapstructure:"matching"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return MatchingConfig{}, err
	}
	return wrapper.Matching, nil
}

func setMatchingDefaults(v *viper.Viper, d MatchingConfig) {
	v.SetDefault("matching.amountWeight", d.AmountWeight)
	v.SetDefault("matching.textWeight", d.TextWeight)
	v.SetDefault("matching.recencyWeight", d.RecencyWeight)
	v.SetDefault("matching.autoMatchThreshold", d.AutoMatchThreshold)
	v.SetDefault("matching.reviewThreshold", d.ReviewThreshold)
	v.SetDefault("matching.ambiguityMargin", d.AmbiguityMargin)
	v.SetDefault("matching.anonymousConfidenceCeiling", d.AnonymousConfidenceCeiling)
	v.SetDefault("matching.amountToleranceCents", d.AmountToleranceCents)
	v.SetDefault("matching.gracePeriod", d.GracePeriod)
	v.SetDefault("matching.candidateWindow", d.CandidateWindow)
	v.SetDefault("matching.maxMatchingAttempts", d.MaxMatchingAttempts)
	v.SetDefault("matching.retryBackoff", d.RetryBackoff)
	v.SetDefault("matching.maxRetryBackoff", d.MaxRetryBackoff)
}

func ValidateMatchingConfig(cfg MatchingConfig) error {
	weights := cfg.AmountWeight + cfg.TextWeight + cfg.RecencyWeight
	if cfg.AmountWeight < 0 || cfg.TextWeight < 0 || cfg.RecencyWeight < 0 {
		return errors.New("matching weights cannot be negative")
	}
	if weights < 0.999 || weights > 1.001 {
		return errors.New("matching weights must sum to 1")
	}
	if cfg.ReviewThreshold <= 0 || cfg.ReviewThreshold > 1 {
		return errors.New("matching.reviewThreshold must be in (0,1]")
	}
	if cfg.AutoMatchThreshold < cfg.ReviewThreshold || cfg.AutoMatchThreshold > 1 {
		return errors.New("matching.autoMatchThreshold must be in [reviewThreshold,1]")
	}
	if cfg.AmbiguityMargin < 0 {
		return errors.New("matching.ambiguityMargin cannot be negative")
	}
	if cfg.AnonymousConfidenceCeiling <= 0 || cfg.AnonymousConfidenceCeiling > 1 {
		return errors.New("matching.anonymousConfidenceCeiling must be in (0,1]")
	}
	if cfg.AmountToleranceCents < 0 {
		return errors.New("matching.amountToleranceCents cannot be negative")
	}
	if cfg.GracePeriod < 0 {
		return errors.New("matching.gracePeriod cannot be negative")
	}
	if cfg.MaxMatchingAttempts <= 0 {
		return errors.New("matching.maxMatchingAttempts must be positive")
	}
	return nil
}
