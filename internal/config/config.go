// Package config loads the controller configuration from YAML files and
// HO_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/mobility-controller/internal/cell"
	"github.com/signalsfoundry/mobility-controller/internal/decision"
	"github.com/signalsfoundry/mobility-controller/internal/observability"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/model"
)

// Config is the root configuration struct.
type Config struct {
	Decision   DecisionConfig              `mapstructure:"decision"`
	Timers     rrc.Timeouts                `mapstructure:"timeouts"`
	Controller ControllerConfig            `mapstructure:"controller"`
	X2         X2Config                    `mapstructure:"x2"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
	Log        LogConfig                   `mapstructure:"log"`
}

// DecisionConfig holds the handover algorithm tunables. Quality values are dB.
type DecisionConfig struct {
	Policy          string        `mapstructure:"policy"`
	OutageThreshold float64       `mapstructure:"outage_threshold_db"`
	RecoveryMargin  float64       `mapstructure:"recovery_margin_db"`
	Hysteresis      float64       `mapstructure:"hysteresis_db"`
	FixedTTT        time.Duration `mapstructure:"fixed_ttt"`
	MinTTT          time.Duration `mapstructure:"min_ttt"`
	MaxTTT          time.Duration `mapstructure:"max_ttt"`
	MinDiff         float64       `mapstructure:"min_diff_db"`
	MaxDiff         float64       `mapstructure:"max_diff_db"`
}

// ControllerConfig holds per-cell controller settings.
type ControllerConfig struct {
	Evaluation     string        `mapstructure:"evaluation"`
	Period         time.Duration `mapstructure:"period"`
	FailureBackoff time.Duration `mapstructure:"failure_backoff"`
	Preambles      int           `mapstructure:"preambles"`
	MaxRNTI        int           `mapstructure:"max_rnti"`
	AnchorHandover bool          `mapstructure:"anchor_handover"`
}

// X2Config holds inter-controller transport settings.
type X2Config struct {
	Latency      time.Duration `mapstructure:"latency"`
	WireEncoding bool          `mapstructure:"wire_encoding"`
	Listen       string        `mapstructure:"listen"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	// Peers maps remote cell ids to controller addresses.
	Peers map[string]string `mapstructure:"peers"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	p := decision.DefaultParams()
	v.SetDefault("decision.policy", p.Policy.String())
	v.SetDefault("decision.outage_threshold_db", p.OutageThreshold)
	v.SetDefault("decision.recovery_margin_db", p.RecoveryMargin)
	v.SetDefault("decision.hysteresis_db", p.Hysteresis)
	v.SetDefault("decision.fixed_ttt", p.FixedTTT)
	v.SetDefault("decision.min_ttt", p.MinTTT)
	v.SetDefault("decision.max_ttt", p.MaxTTT)
	v.SetDefault("decision.min_diff_db", p.MinDiff)
	v.SetDefault("decision.max_diff_db", p.MaxDiff)

	t := rrc.DefaultTimeouts()
	v.SetDefault("timeouts.connection_request", t.ConnectionRequest)
	v.SetDefault("timeouts.connection_setup", t.ConnectionSetup)
	v.SetDefault("timeouts.connection_rejected", t.ConnectionRejected)
	v.SetDefault("timeouts.reconfiguration", t.Reconfiguration)
	v.SetDefault("timeouts.handover_preparation", t.HandoverPreparation)
	v.SetDefault("timeouts.handover_joining", t.HandoverJoining)
	v.SetDefault("timeouts.handover_leaving", t.HandoverLeaving)
	v.SetDefault("timeouts.path_switch", t.PathSwitch)

	c := cell.DefaultConfig()
	v.SetDefault("controller.evaluation", c.Evaluation.String())
	v.SetDefault("controller.period", c.Period)
	v.SetDefault("controller.failure_backoff", c.FailureBackoff)
	v.SetDefault("controller.preambles", c.Preambles)
	v.SetDefault("controller.max_rnti", int(c.MaxRNTI))
	v.SetDefault("controller.anchor_handover", c.AnchorHandover)

	v.SetDefault("x2.latency", time.Millisecond)
	v.SetDefault("x2.wire_encoding", false)
	v.SetDefault("x2.listen", ":7100")
	v.SetDefault("x2.call_timeout", 2*time.Second)

	v.SetDefault("metrics.listen", ":9100")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mobility-controller")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.instance", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	cfg, err := decode(viper.New())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from cfgFile, or from controller.yaml in the usual
// locations when cfgFile is empty, then applies HO_ environment overrides.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("controller")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mobility-controller")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the bounds the controller relies on.
func (c *Config) Validate() error {
	var errs []error
	p, err := c.DecisionParams()
	if err != nil {
		errs = append(errs, err)
	} else if err := p.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cell.ParseEvaluationMode(c.Controller.Evaluation); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"connection_request":   c.Timers.ConnectionRequest,
		"connection_setup":     c.Timers.ConnectionSetup,
		"connection_rejected":  c.Timers.ConnectionRejected,
		"reconfiguration":      c.Timers.Reconfiguration,
		"handover_preparation": c.Timers.HandoverPreparation,
		"handover_joining":     c.Timers.HandoverJoining,
		"handover_leaving":     c.Timers.HandoverLeaving,
		"path_switch":          c.Timers.PathSwitch,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must not be negative", name))
		}
	}
	if c.Controller.Evaluation == cell.EvaluatePeriodic.String() && c.Controller.Period <= 0 {
		errs = append(errs, fmt.Errorf("controller.period must be positive in periodic mode"))
	}
	if c.Controller.Preambles < 0 || c.Controller.Preambles > 64 {
		errs = append(errs, fmt.Errorf("controller.preambles must be within [0, 64]"))
	}
	if c.Controller.MaxRNTI < 1 || c.Controller.MaxRNTI > int(model.MaxRNTI) {
		errs = append(errs, fmt.Errorf("controller.max_rnti must be within [1, %d]", model.MaxRNTI))
	}
	if c.X2.Latency < 0 {
		errs = append(errs, fmt.Errorf("x2.latency must not be negative"))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	for id := range c.X2.Peers {
		if _, err := ParseCellID(id); err != nil {
			errs = append(errs, fmt.Errorf("x2.peers: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DecisionParams converts the decision section.
func (c *Config) DecisionParams() (decision.Params, error) {
	policy, err := decision.ParsePolicy(c.Decision.Policy)
	if err != nil {
		return decision.Params{}, err
	}
	return decision.Params{
		Policy:          policy,
		OutageThreshold: c.Decision.OutageThreshold,
		RecoveryMargin:  c.Decision.RecoveryMargin,
		Hysteresis:      c.Decision.Hysteresis,
		FixedTTT:        c.Decision.FixedTTT,
		MinTTT:          c.Decision.MinTTT,
		MaxTTT:          c.Decision.MaxTTT,
		MinDiff:         c.Decision.MinDiff,
		MaxDiff:         c.Decision.MaxDiff,
	}, nil
}

// Timeouts returns the guard timer durations.
func (c *Config) Timeouts() rrc.Timeouts { return c.Timers }

// CellConfig assembles the per-controller configuration.
func (c *Config) CellConfig() (cell.Config, error) {
	p, err := c.DecisionParams()
	if err != nil {
		return cell.Config{}, err
	}
	mode, err := cell.ParseEvaluationMode(c.Controller.Evaluation)
	if err != nil {
		return cell.Config{}, err
	}
	return cell.Config{
		Decision:       p,
		Timeouts:       c.Timers,
		Evaluation:     mode,
		Period:         c.Controller.Period,
		FailureBackoff: c.Controller.FailureBackoff,
		Preambles:      c.Controller.Preambles,
		MaxRNTI:        model.RNTI(c.Controller.MaxRNTI),
		AnchorHandover: c.Controller.AnchorHandover,
	}, nil
}

// PeerAddrs returns the configured X2 peers keyed by cell.
func (c *Config) PeerAddrs() (map[model.CellID]string, error) {
	out := make(map[model.CellID]string, len(c.X2.Peers))
	for id, addr := range c.X2.Peers {
		cellID, err := ParseCellID(id)
		if err != nil {
			return nil, err
		}
		out[cellID] = addr
	}
	return out, nil
}

// ParseCellID parses a decimal cell id in [1, 65535].
func ParseCellID(s string) (model.CellID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid cell id %q", s)
	}
	return model.CellID(n), nil
}
