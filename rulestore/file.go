package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/rule"
)

const maxRuleFileSize = 1 << 20

// FileStore keeps one rule per file in a directory. Files ending in .json,
// .yaml or .yml are loaded; everything else is ignored.
type FileStore struct {
	base
	dir string

	mu    sync.Mutex
	paths map[string]string // rule id -> file it was loaded from
}

// NewFileStore creates a FileStore rooted at dir, creating the directory if needed.
func NewFileStore(dir string, factory *rule.Factory, opts Options) (*FileStore, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "FileStore", "NewFileStore", "check directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "NewFileStore", "create directory")
	}
	return &FileStore{
		base:  newBase(factory, opts, "rulestore-file"),
		dir:   dir,
		paths: make(map[string]string),
	}, nil
}

// Dir returns the rule directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// GetRules implements Store. Files are read in name order.
func (s *FileStore) GetRules(_ context.Context) ([]*rule.Rule, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "GetRules", "read directory")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = make(map[string]string, len(names))

	rules := make([]*rule.Rule, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		r, err := s.loadFile(path)
		if err != nil {
			if err = s.invalidRecord(path, err); err != nil {
				return rules, err
			}
			continue
		}
		s.paths[r.ID()] = path
		rules = append(rules, r)
	}

	s.logger.Info("Loaded rules from directory", "dir", s.dir, "files", len(names), "rules", len(rules))
	return rules, nil
}

func (s *FileStore) loadFile(path string) (*rule.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "GetRules", "stat "+path)
	}
	if info.Size() > maxRuleFileSize {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is larger than %d bytes", errors.ErrInvalidRule, path, maxRuleFileSize),
			"FileStore", "GetRules", "check size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "GetRules", "read "+path)
	}

	raw := map[string]any{}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidRule, path, err), "FileStore", "GetRules", "decode file")
	}

	if _, ok := raw["id"]; !ok {
		raw["id"] = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s.RuleFromMap(raw)
}

// SaveRule implements Store. A rule loaded from a file is written back to that
// file; a new rule is written to <id>.json.
func (s *FileStore) SaveRule(_ context.Context, r *rule.Rule) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrInvalidRule, "FileStore", "SaveRule", "check rule")
	}
	if err := checkID(r.ID(), "SaveRule"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.paths[r.ID()]
	if !ok {
		path = filepath.Join(s.dir, r.ID()+".json")
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(r.Definition())
	} else {
		data, err = marshalDefinition(r)
	}
	if err != nil {
		return errors.WrapFatal(err, "FileStore", "SaveRule", "encode rule")
	}

	tmp, err := os.CreateTemp(s.dir, ".rule-*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "SaveRule", "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "FileStore", "SaveRule", "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "FileStore", "SaveRule", "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.WrapTransient(err, "FileStore", "SaveRule", "rename into place")
	}

	s.paths[r.ID()] = path
	s.logger.Info("Saved rule", "rule_id", r.ID(), "path", path)
	return nil
}

// DeleteRule implements Store.
func (s *FileStore) DeleteRule(_ context.Context, id string) (bool, error) {
	if err := checkID(id, "DeleteRule"); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.paths[id]
	if !ok {
		path = filepath.Join(s.dir, id+".json")
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "FileStore", "DeleteRule", "remove "+path)
	}

	delete(s.paths, id)
	s.logger.Info("Deleted rule", "rule_id", id, "path", path)
	return true, nil
}

func isRuleFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
