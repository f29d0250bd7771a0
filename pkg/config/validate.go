package config

import (
	"errors"
	"fmt"

	"github.com/cuemby/beacon/pkg/failover"
	"github.com/cuemby/beacon/pkg/log"
)

// ValidationError names the offending field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, validateLog(c.Log)...)
	errs = append(errs, validateEngine(c.Engine)...)
	errs = append(errs, validateInputs(c.Inputs)...)
	errs = append(errs, validateOutputs(c.Outputs)...)

	if c.API.HTTPAddr == "" && c.API.GRPCAddr == "" {
		errs = append(errs, &ValidationError{Field: "api", Message: "at least one of http_addr or grpc_addr is required"})
	}

	return errors.Join(errs...)
}

func validateLog(cfg LogConfig) []error {
	if cfg.Level != "" && string(log.ParseLevel(cfg.Level)) != cfg.Level {
		return []error{&ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", cfg.Level),
		}}
	}
	return nil
}

func validateEngine(cfg EngineConfig) []error {
	var errs []error

	if cfg.QueueDir == "" {
		errs = append(errs, &ValidationError{Field: "engine.queue_dir", Message: "queue directory is required"})
	}
	if cfg.HighWater <= 0 {
		errs = append(errs, &ValidationError{Field: "engine.high_water", Message: "high water must be positive"})
	}
	if cfg.LowWater < 0 || cfg.LowWater > cfg.HighWater {
		errs = append(errs, &ValidationError{
			Field:   "engine.low_water",
			Message: fmt.Sprintf("low water must be between 0 and high water (%d), got %d", cfg.HighWater, cfg.LowWater),
		})
	}
	if cfg.MaxFileSize < 0 || cfg.MaxTotalSize < 0 {
		errs = append(errs, &ValidationError{Field: "engine.max_file_size", Message: "sizes must not be negative"})
	}
	if cfg.DrainTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "engine.drain_timeout", Message: "drain timeout must be positive"})
	}

	return errs
}

func validateInputs(inputs []InputConfig) []error {
	var errs []error
	seen := make(map[string]bool)

	for i, in := range inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if in.Name == "" {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: "name is required"})
		} else if seen[in.Name] {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate input %q", in.Name)})
		}
		seen[in.Name] = true

		if in.Listen == "" {
			errs = append(errs, &ValidationError{Field: field + ".listen", Message: "listen address is required"})
		}
	}

	return errs
}

func validateOutputs(outputs []OutputConfig) []error {
	var errs []error
	seen := make(map[string]bool)

	for i, out := range outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		if out.Name == "" {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: "name is required"})
		} else if seen[out.Name] {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate output %q", out.Name)})
		}
		seen[out.Name] = true

		if len(out.Endpoints) == 0 {
			errs = append(errs, &ValidationError{Field: field + ".endpoints", Message: "at least one endpoint is required"})
		}
		if _, err := out.Filter(); err != nil {
			errs = append(errs, &ValidationError{Field: field + ".filters", Message: err.Error()})
		}
		if out.CompressionLevel < -2 || out.CompressionLevel > 9 {
			errs = append(errs, &ValidationError{
				Field:   field + ".compression_level",
				Message: fmt.Sprintf("level must be between -2 and 9, got %d", out.CompressionLevel),
			})
		}
		switch failover.AckMode(out.AckMode) {
		case "", failover.AckPeer, failover.AckFlush:
		default:
			errs = append(errs, &ValidationError{
				Field:   field + ".ack_mode",
				Message: fmt.Sprintf("ack mode must be %q or %q, got %q", failover.AckPeer, failover.AckFlush, out.AckMode),
			})
		}
		if out.AckWindow < 0 {
			errs = append(errs, &ValidationError{Field: field + ".ack_window", Message: "ack window cannot be negative"})
		}
		if out.Backoff.Multiplier != 0 && out.Backoff.Multiplier < 1 {
			errs = append(errs, &ValidationError{Field: field + ".backoff.multiplier", Message: "multiplier must be at least 1"})
		}
		if out.Backoff.MaxInterval != 0 && out.Backoff.MaxInterval < out.Backoff.InitialInterval {
			errs = append(errs, &ValidationError{Field: field + ".backoff.max_interval", Message: "max interval is below the initial interval"})
		}
	}

	return errs
}
