// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules holds the versioned rule set and the pattern scanner that
// evaluates it over reassembled streams.
package rules

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"acheron.dev/acheron/internal/config"
	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/storage"
)

// Registry owns the rule set and the current compiled database. Mutations
// rebuild the database atomically: on compile failure nothing changes and
// the previous database stays current.
type Registry struct {
	store  *storage.Store
	logger *logging.Logger

	mu      sync.RWMutex
	byID    map[storage.RowID]*Rule
	db      *Database
	version uint64

	// onVersionBump is invoked outside the lock after a new database
	// becomes current. The re-scan queue hooks in here.
	onVersionBump func(version uint64)
}

// NewRegistry loads persisted rules and compiles the initial database.
func NewRegistry(ctx context.Context, store *storage.Store, logger *logging.Logger) (*Registry, error) {
	r := &Registry{
		store:  store,
		logger: logger.WithComponent("rules"),
		byID:   make(map[storage.RowID]*Rule),
	}

	rows, err := store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	var ruleSet []*Rule
	for _, row := range rows {
		rule, err := ruleFromRow(row)
		if err != nil {
			return nil, err
		}
		r.byID[rule.ID] = rule
		ruleSet = append(ruleSet, rule)
		if rule.Version > r.version {
			r.version = rule.Version
		}
	}

	db, err := CompileDatabase(ruleSet, r.version)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "persisted rules do not compile")
	}
	r.db = db
	r.logger.Info("rule registry loaded", "rules", len(ruleSet), "version", r.version)
	return r, nil
}

// OnVersionBump registers the callback fired after each database rebuild.
func (r *Registry) OnVersionBump(fn func(version uint64)) {
	r.mu.Lock()
	r.onVersionBump = fn
	r.mu.Unlock()
}

// CurrentDatabase returns the compiled database and its version. Callers
// may scan against it for as long as they like; it is immutable.
func (r *Registry) CurrentDatabase() (*Database, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db, r.db.Version()
}

// ListRules returns all rules ordered by id.
func (r *Registry) ListRules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Rule, 0, len(r.byID))
	for _, rule := range r.byID {
		c := *rule
		result = append(result, &c)
	}
	sortRules(result)
	return result
}

// GetRule returns one rule by id.
func (r *Registry) GetRule(id storage.RowID) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.byID[id]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "no such rule: %d", id)
	}
	c := *rule
	return &c, nil
}

// AddRule validates, persists and materializes a new rule, returning its id.
func (r *Registry) AddRule(ctx context.Context, rule Rule) (storage.RowID, error) {
	if err := validateRule(&rule); err != nil {
		return 0, err
	}

	r.mu.Lock()
	for _, existing := range r.byID {
		if existing.Name == rule.Name {
			r.mu.Unlock()
			return 0, errors.Errorf(errors.KindConflict, "duplicate rule name: %s", rule.Name)
		}
	}

	rule.ID = r.store.NextRowID()
	rule.Version = r.version + 1

	candidate := r.snapshotWith(&rule)
	db, err := CompileDatabase(candidate, rule.Version)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}

	row, err := ruleToRow(&rule)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if err := r.store.InsertRule(ctx, row); err != nil {
		r.mu.Unlock()
		return 0, err
	}

	r.byID[rule.ID] = &rule
	r.swapLocked(db, rule.Version)
	bump := r.onVersionBump
	r.mu.Unlock()

	r.logger.Info("rule added", "rule_id", rule.ID, "name", rule.Name, "version", rule.Version)
	if bump != nil {
		bump(rule.Version)
	}
	return rule.ID, nil
}

// RulePatch carries the mutable fields of UpdateRule. Nil means unchanged.
// ExpectedVersion guards against concurrent editors: a stale value fails
// with Precondition.
type RulePatch struct {
	Name            *string    `json:"name,omitempty"`
	Color           *string    `json:"color,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Enabled         *bool      `json:"enabled,omitempty"`
	Patterns        *[]Pattern `json:"patterns,omitempty"`
	ExpectedVersion *uint64    `json:"expected_version,omitempty"`
}

// UpdateRule applies a patch to a rule and returns the rule's new version.
// Pattern or enablement changes rebuild the database.
func (r *Registry) UpdateRule(ctx context.Context, id storage.RowID, patch RulePatch) (uint64, error) {
	r.mu.Lock()

	current, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return 0, errors.Errorf(errors.KindNotFound, "no such rule: %d", id)
	}
	if patch.ExpectedVersion != nil && *patch.ExpectedVersion != current.Version {
		r.mu.Unlock()
		return 0, errors.Errorf(errors.KindPrecondition,
			"rule %d is at version %d, not %d", id, current.Version, *patch.ExpectedVersion)
	}

	updated := *current
	rebuild := false
	if patch.Name != nil && *patch.Name != updated.Name {
		for _, existing := range r.byID {
			if existing.ID != id && existing.Name == *patch.Name {
				r.mu.Unlock()
				return 0, errors.Errorf(errors.KindConflict, "duplicate rule name: %s", *patch.Name)
			}
		}
		updated.Name = *patch.Name
	}
	if patch.Color != nil {
		updated.Color = *patch.Color
	}
	if patch.Notes != nil {
		updated.Notes = *patch.Notes
	}
	if patch.Enabled != nil && *patch.Enabled != updated.Enabled {
		updated.Enabled = *patch.Enabled
		rebuild = true
	}
	if patch.Patterns != nil {
		updated.Patterns = *patch.Patterns
		rebuild = true
	}
	if err := validateRule(&updated); err != nil {
		r.mu.Unlock()
		return 0, err
	}

	var db *Database
	newVersion := r.version
	if rebuild {
		newVersion = r.version + 1
		updated.Version = newVersion
		candidate := r.snapshotWith(&updated)
		var err error
		db, err = CompileDatabase(candidate, newVersion)
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
	}

	row, err := ruleToRow(&updated)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if err := r.store.UpdateRule(ctx, row); err != nil {
		r.mu.Unlock()
		return 0, err
	}

	r.byID[id] = &updated
	var bump func(uint64)
	if db != nil {
		r.swapLocked(db, newVersion)
		bump = r.onVersionBump
	}
	r.mu.Unlock()

	r.logger.Info("rule updated", "rule_id", id, "version", updated.Version, "rebuilt", rebuild)
	if bump != nil {
		bump(newVersion)
	}
	return updated.Version, nil
}

// Close marks the current database unusable; called at shutdown only.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		r.db.Close()
	}
}

// snapshotWith returns the rule set with one rule replaced or added.
// Caller must hold mu.
func (r *Registry) snapshotWith(rule *Rule) []*Rule {
	set := make([]*Rule, 0, len(r.byID)+1)
	for id, existing := range r.byID {
		if id == rule.ID {
			continue
		}
		set = append(set, existing)
	}
	set = append(set, rule)
	sortRules(set)
	return set
}

// swapLocked installs a fresh database. Old databases are simply abandoned;
// in-flight scans finish against the reference they captured.
func (r *Registry) swapLocked(db *Database, version uint64) {
	r.db = db
	r.version = version
}

func validateRule(rule *Rule) error {
	if rule.Name == "" {
		return errors.New(errors.KindValidation, "rule name cannot be empty")
	}
	if rule.Color != "" {
		if err := config.ValidateColor(rule.Color); err != nil {
			return err
		}
	}
	if len(rule.Patterns) == 0 {
		return errors.New(errors.KindValidation, "rule has no patterns")
	}
	for _, p := range rule.Patterns {
		if p.Regex == "" {
			return errors.New(errors.KindValidation, "empty pattern regex")
		}
		if p.Flags.MinLen < 0 || p.Flags.MaxLen < 0 {
			return errors.New(errors.KindValidation, "negative pattern length bound")
		}
		if p.Flags.MaxLen > 0 && p.Flags.MinLen > p.Flags.MaxLen {
			return errors.New(errors.KindValidation, "pattern min_len exceeds max_len")
		}
		if _, err := compilePattern(p, 0); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "pattern %q does not compile", p.Regex)
		}
	}
	return nil
}

func sortRules(set []*Rule) {
	sort.Slice(set, func(i, j int) bool { return set[i].ID < set[j].ID })
}

func ruleFromRow(row *storage.RuleRow) (*Rule, error) {
	rule := &Rule{
		ID:      row.ID,
		Name:    row.Name,
		Color:   row.Color,
		Notes:   row.Notes,
		Enabled: row.Enabled,
		Version: row.Version,
	}
	if err := json.Unmarshal(row.Patterns, &rule.Patterns); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "corrupt patterns for rule %d", row.ID)
	}
	return rule, nil
}

func ruleToRow(rule *Rule) (*storage.RuleRow, error) {
	patterns, err := json.Marshal(rule.Patterns)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "marshal patterns")
	}
	return &storage.RuleRow{
		ID:       rule.ID,
		Name:     rule.Name,
		Color:    rule.Color,
		Notes:    rule.Notes,
		Enabled:  rule.Enabled,
		Patterns: patterns,
		Version:  rule.Version,
	}, nil
}
