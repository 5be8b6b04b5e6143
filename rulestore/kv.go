package rulestore

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/natsclient"
	"github.com/kidhasmoxy/otto-engine/rule"
)

// DefaultBucket is the KV bucket rules are stored in.
const DefaultBucket = "otto_rules"

// KVStore keeps rules in a NATS JetStream key-value bucket, keyed by rule id.
type KVStore struct {
	base
	bucket jetstream.KeyValue
}

// NewKVStore opens (creating if necessary) the rule bucket.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string, factory *rule.Factory, opts Options) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "NewKVStore", "check nats client")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.KeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Automation rule definitions",
		History:     5,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVStore", "NewKVStore", "open bucket")
	}
	return NewKVStoreFromBucket(kv, factory, opts), nil
}

// NewKVStoreFromBucket wraps an already opened bucket.
func NewKVStoreFromBucket(kv jetstream.KeyValue, factory *rule.Factory, opts Options) *KVStore {
	return &KVStore{base: newBase(factory, opts, "rulestore-kv"), bucket: kv}
}

func checkKey(id, method string) error {
	if err := checkID(id, method); err != nil {
		return err
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return errors.WrapInvalid(fmt.Errorf("%w: rule id %q may not start or end with '.'", errors.ErrInvalidRule, id),
			"KVStore", method, "check key")
	}
	return nil
}

// GetRules implements Store. Rules are returned in key order.
func (s *KVStore) GetRules(ctx context.Context) ([]*rule.Rule, error) {
	lister, err := s.bucket.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "GetRules", "list keys")
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	if err := lister.Stop(); err != nil && !stderrors.Is(err, jetstream.ErrNoKeysFound) {
		s.logger.Debug("Key lister stop", "error", err)
	}
	sort.Strings(keys)

	rules := make([]*rule.Rule, 0, len(keys))
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return rules, errors.WrapTransient(err, "KVStore", "GetRules", "get "+key)
		}
		r, err := s.factory.FromJSON(entry.Value())
		if err == nil && r.ID() != key {
			err = errors.WrapInvalid(fmt.Errorf("%w: key %s holds rule %s", errors.ErrInvalidRule, key, r.ID()),
				"KVStore", "GetRules", "check id")
		}
		if err != nil {
			if err = s.invalidRecord(key, err); err != nil {
				return rules, err
			}
			continue
		}
		rules = append(rules, r)
	}

	s.logger.Info("Loaded rules from bucket", "bucket", s.bucket.Bucket(), "rules", len(rules))
	return rules, nil
}

// SaveRule implements Store.
func (s *KVStore) SaveRule(ctx context.Context, r *rule.Rule) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrInvalidRule, "KVStore", "SaveRule", "check rule")
	}
	if err := checkKey(r.ID(), "SaveRule"); err != nil {
		return err
	}
	data, err := marshalDefinition(r)
	if err != nil {
		return errors.WrapFatal(err, "KVStore", "SaveRule", "encode rule")
	}
	if _, err := s.bucket.Put(ctx, r.ID(), data); err != nil {
		return errors.WrapTransient(err, "KVStore", "SaveRule", "put "+r.ID())
	}
	s.logger.Info("Saved rule", "rule_id", r.ID())
	return nil
}

// DeleteRule implements Store.
func (s *KVStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	if err := checkKey(id, "DeleteRule"); err != nil {
		return false, err
	}
	if _, err := s.bucket.Get(ctx, id); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "KVStore", "DeleteRule", "get "+id)
	}
	if err := s.bucket.Delete(ctx, id); err != nil {
		return false, errors.WrapTransient(err, "KVStore", "DeleteRule", "delete "+id)
	}
	s.logger.Info("Deleted rule", "rule_id", id)
	return true, nil
}

// Watch calls onChange for every update made to the bucket after the call,
// until ctx is cancelled.
func (s *KVStore) Watch(ctx context.Context, onChange func(key string)) error {
	w, err := s.bucket.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "Watch", "start watcher")
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				return errors.WrapTransient(errors.ErrConnectionLost, "KVStore", "Watch", "read updates")
			}
			if entry == nil {
				continue
			}
			s.logger.Debug("Rule bucket changed", "key", entry.Key(), "op", entry.Operation().String())
			onChange(entry.Key())
		}
	}
}
