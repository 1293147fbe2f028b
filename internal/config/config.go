// Package config loads the bid engine configuration from an optional file
// plus BID_ENGINE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/normalize"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/quality"
	"github.com/atmx/bid-engine/internal/strategy"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EstimatorConfig holds the beta priors, globally and per page category.
type EstimatorConfig struct {
	Default    estimator.Priors            `mapstructure:"default"`
	Categories map[string]estimator.Priors `mapstructure:"categories"`
}

type NormalizeConfig struct {
	DefaultAOV float64 `mapstructure:"default_aov"`
	CPAFormula string  `mapstructure:"cpa_formula"`
}

type QualityConfig struct {
	FallbackFactor float64       `mapstructure:"fallback_factor"`
	MinFactor      float64       `mapstructure:"min_factor"`
	MaxFactor      float64       `mapstructure:"max_factor"`
	TimeBudget     time.Duration `mapstructure:"time_budget"`
	ArtifactPath   string        `mapstructure:"artifact_path"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

type StrategyConfig struct {
	PriorityBoostStep  float64       `mapstructure:"priority_boost_step"`
	CostInversionShare float64       `mapstructure:"cost_inversion_share"`
	PacingMin          float64       `mapstructure:"pacing_min"`
	PacingMax          float64       `mapstructure:"pacing_max"`
	DayLength          time.Duration `mapstructure:"day_length"`
}

type PortfolioConfig struct {
	DefaultLambda     float64       `mapstructure:"default_lambda"`
	LambdaMin         float64       `mapstructure:"lambda_min"`
	LambdaMax         float64       `mapstructure:"lambda_max"`
	LearningRate      float64       `mapstructure:"learning_rate"`
	TuningInterval    time.Duration `mapstructure:"tuning_interval"`
	DefaultTargetROAS float64       `mapstructure:"default_target_roas"`
	ResetTimezone     string        `mapstructure:"reset_timezone"`
}

type SnapshotConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads configuration from path (optional) and environment variables.
// BID_ENGINE_PORTFOLIO_DEFAULT_LAMBDA overrides portfolio.default_lambda.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BID_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("estimator.default.ctr.alpha", estimator.DefaultPriors.CTR.Alpha)
	v.SetDefault("estimator.default.ctr.beta", estimator.DefaultPriors.CTR.Beta)
	v.SetDefault("estimator.default.cvr.alpha", estimator.DefaultPriors.CVR.Alpha)
	v.SetDefault("estimator.default.cvr.beta", estimator.DefaultPriors.CVR.Beta)

	v.SetDefault("normalize.default_aov", 50.0)
	v.SetDefault("normalize.cpa_formula", string(normalize.CPAFormulaCTRxCVR))

	v.SetDefault("quality.fallback_factor", quality.DefaultOptions.FallbackFactor)
	v.SetDefault("quality.min_factor", quality.DefaultOptions.MinFactor)
	v.SetDefault("quality.max_factor", quality.DefaultOptions.MaxFactor)
	v.SetDefault("quality.time_budget", quality.DefaultOptions.TimeBudget.String())
	v.SetDefault("quality.artifact_path", "")
	v.SetDefault("quality.reload_interval", "1m")

	v.SetDefault("strategy.priority_boost_step", 0.05)
	v.SetDefault("strategy.cost_inversion_share", 0.5)
	v.SetDefault("strategy.pacing_min", 0.5)
	v.SetDefault("strategy.pacing_max", 1.5)
	v.SetDefault("strategy.day_length", "24h")

	v.SetDefault("portfolio.default_lambda", 0.5)
	v.SetDefault("portfolio.lambda_min", portfolio.DefaultTunerOptions.MinLambda)
	v.SetDefault("portfolio.lambda_max", portfolio.DefaultTunerOptions.MaxLambda)
	v.SetDefault("portfolio.learning_rate", portfolio.DefaultTunerOptions.LearningRate)
	v.SetDefault("portfolio.tuning_interval", portfolio.DefaultTunerOptions.Interval.String())
	v.SetDefault("portfolio.default_target_roas", 2.0)
	v.SetDefault("portfolio.reset_timezone", "UTC")

	v.SetDefault("snapshot.refresh_interval", "30s")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if _, err := estimator.New(c.Estimator.Default, c.Estimator.Categories); err != nil {
		return fmt.Errorf("estimator: %w", err)
	}
	if _, err := normalize.New(decimal.NewFromFloat(c.Normalize.DefaultAOV), normalize.CPAFormula(c.Normalize.CPAFormula)); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	if c.Quality.MinFactor <= 0 || c.Quality.MinFactor > c.Quality.MaxFactor {
		return fmt.Errorf("quality.min_factor must be positive and not exceed quality.max_factor")
	}
	if c.Quality.FallbackFactor < c.Quality.MinFactor || c.Quality.FallbackFactor > c.Quality.MaxFactor {
		return fmt.Errorf("quality.fallback_factor must lie within [min_factor, max_factor]")
	}
	if c.Quality.TimeBudget < 0 {
		return fmt.Errorf("quality.time_budget must not be negative")
	}
	if c.Quality.ArtifactPath != "" && c.Quality.ReloadInterval < time.Second {
		return fmt.Errorf("quality.reload_interval must be at least 1 second")
	}

	if c.Strategy.PriorityBoostStep < 0 {
		return fmt.Errorf("strategy.priority_boost_step must not be negative")
	}
	if c.Strategy.CostInversionShare < 0 || c.Strategy.CostInversionShare > 1 {
		return fmt.Errorf("strategy.cost_inversion_share must be between 0 and 1")
	}
	if c.Strategy.PacingMin <= 0 || c.Strategy.PacingMin > c.Strategy.PacingMax {
		return fmt.Errorf("strategy.pacing_min must be positive and not exceed strategy.pacing_max")
	}
	if c.Strategy.DayLength < time.Minute {
		return fmt.Errorf("strategy.day_length must be at least 1 minute")
	}

	p := c.Portfolio
	if p.LambdaMin < 0 || p.LambdaMin > p.LambdaMax {
		return fmt.Errorf("portfolio.lambda_min must not be negative and not exceed portfolio.lambda_max")
	}
	if p.DefaultLambda < p.LambdaMin || p.DefaultLambda > p.LambdaMax {
		return fmt.Errorf("portfolio.default_lambda must lie within [lambda_min, lambda_max]")
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("portfolio.learning_rate must be positive")
	}
	if p.TuningInterval < time.Second {
		return fmt.Errorf("portfolio.tuning_interval must be at least 1 second")
	}
	if p.DefaultTargetROAS <= 0 {
		return fmt.Errorf("portfolio.default_target_roas must be positive")
	}
	if _, err := time.LoadLocation(p.ResetTimezone); err != nil {
		return fmt.Errorf("portfolio.reset_timezone: %w", err)
	}

	if c.Snapshot.RefreshInterval < time.Second {
		return fmt.Errorf("snapshot.refresh_interval must be at least 1 second")
	}
	return nil
}

// QualityOptions converts the quality section.
func (c *Config) QualityOptions() quality.Options {
	return quality.Options{
		FallbackFactor: c.Quality.FallbackFactor,
		MinFactor:      c.Quality.MinFactor,
		MaxFactor:      c.Quality.MaxFactor,
		TimeBudget:     c.Quality.TimeBudget,
	}
}

// StrategyOptions converts the strategy section.
func (c *Config) StrategyOptions() strategy.Options {
	return strategy.Options{
		PriorityBoostStep:  decimal.NewFromFloat(c.Strategy.PriorityBoostStep),
		CostInversionShare: decimal.NewFromFloat(c.Strategy.CostInversionShare),
		PacingMin:          decimal.NewFromFloat(c.Strategy.PacingMin),
		PacingMax:          decimal.NewFromFloat(c.Strategy.PacingMax),
	}
}

// TunerOptions converts the λ tuning part of the portfolio section.
func (c *Config) TunerOptions() portfolio.TunerOptions {
	return portfolio.TunerOptions{
		LearningRate: c.Portfolio.LearningRate,
		MinLambda:    c.Portfolio.LambdaMin,
		MaxLambda:    c.Portfolio.LambdaMax,
		Interval:     c.Portfolio.TuningInterval,
	}
}
