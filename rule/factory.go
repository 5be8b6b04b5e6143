package rule

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/kidhasmoxy/otto-engine/clock"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/rule/expression"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

//go:embed schema.json
var schemaJSON string

// Env is what a rule needs from the engine while it runs. Implementations must
// be safe to call from any goroutine.
type Env interface {
	EntityState(ctx context.Context, entityID string) (*hass.EntityState, bool, error)
	CallService(ctx context.Context, call hass.ServiceCall) error
}

// Factory validates rule records and builds rules bound to an Env.
type Factory struct {
	env       Env
	logger    *slog.Logger
	schema    *gojsonschema.Schema
	evaluator *expression.Evaluator
}

// NewFactory creates a Factory. env may be nil for validation-only use; rules
// built by such a factory fail when their actions run.
func NewFactory(env Env, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "Factory", "NewFactory", "compile rule schema")
	}
	return &Factory{
		env:       env,
		logger:    logger.With("component", "rule-factory"),
		schema:    schema,
		evaluator: expression.NewExpressionEvaluator(),
	}, nil
}

// Schema returns the JSON schema rule records are validated against.
func Schema() string {
	return schemaJSON
}

// FromMap validates a decoded rule record and builds the rule. A record without
// an id gets a generated one.
func (f *Factory) FromMap(raw map[string]any) (*Rule, error) {
	if raw == nil {
		return nil, invalidRule(fmt.Errorf("%w: empty record", errors.ErrInvalidRule), "read record")
	}
	result, err := f.schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, invalidRule(fmt.Errorf("%w: %v", errors.ErrInvalidRule, err), "validate schema")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, invalidRule(fmt.Errorf("%w: %s", errors.ErrInvalidRule, strings.Join(msgs, "; ")), "validate schema")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, invalidRule(fmt.Errorf("%w: %v", errors.ErrInvalidRule, err), "encode record")
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, invalidRule(fmt.Errorf("%w: %v", errors.ErrInvalidRule, err), "decode record")
	}
	return f.FromDefinition(def)
}

// FromJSON decodes and builds a single rule.
func (f *Factory) FromJSON(data []byte) (*Rule, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalidRule(fmt.Errorf("%w: %v", errors.ErrInvalidRule, err), "parse json")
	}
	return f.FromMap(raw)
}

// FromDefinition checks the parts of def the schema cannot express (time
// specifications, service names, delays, condition operators) and builds the rule.
func (f *Factory) FromDefinition(def Definition) (*Rule, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if len(def.Triggers) == 0 {
		return nil, invalidRule(fmt.Errorf("%w: rule %s has no triggers", errors.ErrInvalidRule, def.ID), "check triggers")
	}

	r := &Rule{
		def:       def,
		env:       f.env,
		evaluator: f.evaluator,
		logger:    f.logger.With("rule_id", def.ID),
		specs:     make(map[int]*clock.TimeSpec),
		steps:     make([]step, len(def.Actions)),
	}

	for i, trig := range def.Triggers {
		switch trig.Platform {
		case PlatformState:
			if trig.EntityID == "" {
				return nil, invalidRule(fmt.Errorf("%w: trigger %d needs entity_id", errors.ErrInvalidRule, i), "check triggers")
			}
		case PlatformEvent:
			if trig.EventType == "" {
				return nil, invalidRule(fmt.Errorf("%w: trigger %d needs event_type", errors.ErrInvalidRule, i), "check triggers")
			}
		case PlatformTime:
			spec, err := clock.ParseTimeSpec(trig.At)
			if err != nil {
				return nil, invalidRule(fmt.Errorf("%w: trigger %d: %v", errors.ErrInvalidRule, i, err), "parse time trigger")
			}
			r.specs[i] = spec
		default:
			return nil, invalidRule(fmt.Errorf("%w: trigger %d has unknown platform %q", errors.ErrInvalidRule, i, trig.Platform),
				"check triggers")
		}
	}

	if def.Condition != nil {
		if err := f.evaluator.Validate(*def.Condition); err != nil {
			return nil, invalidRule(fmt.Errorf("%w: %v", errors.ErrInvalidRule, err), "check condition")
		}
	}

	for i, a := range def.Actions {
		s, err := parseStep(a)
		if err != nil {
			return nil, invalidRule(fmt.Errorf("%w: action %d: %v", errors.ErrInvalidRule, i, err), "check actions")
		}
		r.steps[i] = s
	}
	return r, nil
}

func parseStep(a Action) (step, error) {
	set := 0
	for _, present := range []bool{a.Service != "", a.Delay != "", a.Log != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return step{}, fmt.Errorf("exactly one of service, delay or log is required")
	}

	switch {
	case a.Service != "":
		domain, service, err := hass.ParseServiceName(a.Service)
		if err != nil {
			return step{}, err
		}
		return step{call: &hass.ServiceCall{Domain: domain, Service: service, Data: a.Data}}, nil
	case a.Delay != "":
		d, err := time.ParseDuration(a.Delay)
		if err != nil || d < 0 {
			return step{}, fmt.Errorf("invalid delay %q", a.Delay)
		}
		return step{delay: d}, nil
	default:
		return step{log: a.Log}, nil
	}
}

func invalidRule(err error, action string) error {
	return errors.WrapInvalid(err, "Factory", "FromMap", action)
}
