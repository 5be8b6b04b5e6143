// Package rulestore persists automation rules.
//
// Two backends implement Store: FileStore keeps one JSON or YAML file per rule
// in a directory, KVStore keeps one JSON document per rule in a NATS JetStream
// key-value bucket. Both build rules through a rule.Factory, so a record that
// fails validation is rejected the same way by either backend.
package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/rule"
)

// Store is the persistence interface the engine relies on.
type Store interface {
	// RuleFromMap validates a raw record and builds a rule without storing it.
	RuleFromMap(raw map[string]any) (*rule.Rule, error)
	// SaveRule stores r, replacing any rule with the same id.
	SaveRule(ctx context.Context, r *rule.Rule) error
	// DeleteRule removes a rule and reports whether it existed.
	DeleteRule(ctx context.Context, id string) (bool, error)
	// GetRules loads every stored rule. On failure it returns the rules loaded
	// before the failing record along with the error.
	GetRules(ctx context.Context) ([]*rule.Rule, error)
}

// Watcher is implemented by stores that can report changes made by other
// writers.
type Watcher interface {
	Watch(ctx context.Context, onChange func(key string)) error
}

// Options shared by both backends.
type Options struct {
	// SkipInvalid makes GetRules log and skip records that fail validation
	// instead of failing the whole load.
	SkipInvalid bool
	Logger      *slog.Logger
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_\-=.]+$`)

func checkID(id, method string) error {
	if id == "" || id == "." || id == ".." || !validID.MatchString(id) {
		return errors.WrapInvalid(fmt.Errorf("%w: rule id %q may only contain letters, digits, '-', '_', '=' and '.'",
			errors.ErrInvalidRule, id), "rulestore", method, "check id")
	}
	return nil
}

type base struct {
	factory *rule.Factory
	opts    Options
	logger  *slog.Logger
}

func newBase(factory *rule.Factory, opts Options, component string) base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return base{factory: factory, opts: opts, logger: logger.With("component", component)}
}

// RuleFromMap implements Store.
func (b *base) RuleFromMap(raw map[string]any) (*rule.Rule, error) {
	r, err := b.factory.FromMap(raw)
	if err != nil {
		return nil, err
	}
	if err := checkID(r.ID(), "RuleFromMap"); err != nil {
		return nil, err
	}
	return r, nil
}

// invalidRecord decides whether a bad record aborts the load.
func (b *base) invalidRecord(source string, err error) error {
	if b.opts.SkipInvalid {
		b.logger.Warn("Skipping invalid rule", "source", source, "error", err)
		return nil
	}
	return err
}

func marshalDefinition(r *rule.Rule) ([]byte, error) {
	return json.MarshalIndent(r.Definition(), "", "  ")
}
