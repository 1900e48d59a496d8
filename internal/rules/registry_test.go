package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	logger := logging.New(logging.DefaultConfig())
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := NewRegistry(context.Background(), store, logger)
	require.NoError(t, err)
	return registry, store
}

func flagRule(name string) Rule {
	return Rule{
		Name:    name,
		Color:   "#e53935",
		Enabled: true,
		Patterns: []Pattern{
			{Regex: `CTF\{[A-Za-z0-9]+\}`, Flags: PatternFlags{Direction: DirectionServer}},
		},
	}
}

func TestAddRuleAssignsVersion(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := registry.AddRule(ctx, flagRule("flag-out"))
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	db, version := registry.CurrentDatabase()
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, 1, db.PatternCount())

	owner, ok := db.RuleOf(0)
	assert.True(t, ok)
	assert.Equal(t, id, owner)

	_, err = registry.AddRule(ctx, flagRule("flag-in"))
	require.NoError(t, err)
	_, version = registry.CurrentDatabase()
	assert.Equal(t, uint64(2), version)
}

func TestAddRuleDuplicateName(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.AddRule(ctx, flagRule("flag-out"))
	require.NoError(t, err)

	_, err = registry.AddRule(ctx, flagRule("flag-out"))
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
}

func TestAddRuleInvalidPatternIsAtomic(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	bad := flagRule("broken")
	bad.Patterns = []Pattern{{Regex: `CTF\{[unclosed`}}
	_, err := registry.AddRule(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	db, version := registry.CurrentDatabase()
	assert.Equal(t, uint64(0), version)
	assert.Equal(t, 0, db.PatternCount())
	assert.Empty(t, registry.ListRules())
}

func TestUpdateRulePatternsBumpVersion(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := registry.AddRule(ctx, flagRule("flag-out"))
	require.NoError(t, err)

	notes := "only notes"
	version, err := registry.UpdateRule(ctx, id, RulePatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version) // metadata-only change, no rebuild

	patterns := []Pattern{{Regex: `FLAG_[0-9a-f]{32}`}}
	version, err = registry.UpdateRule(ctx, id, RulePatch{Patterns: &patterns})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	_, dbVersion := registry.CurrentDatabase()
	assert.Equal(t, uint64(2), dbVersion)
}

func TestUpdateRuleStaleVersion(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := registry.AddRule(ctx, flagRule("flag-out"))
	require.NoError(t, err)

	stale := uint64(7)
	_, err = registry.UpdateRule(ctx, id, RulePatch{ExpectedVersion: &stale})
	require.Error(t, err)
	assert.Equal(t, errors.KindPrecondition, errors.GetKind(err))
}

func TestDisableRuleKeepsHistory(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	id, err := registry.AddRule(ctx, flagRule("flag-out"))
	require.NoError(t, err)

	disabled := false
	_, err = registry.UpdateRule(ctx, id, RulePatch{Enabled: &disabled})
	require.NoError(t, err)

	db, _ := registry.CurrentDatabase()
	assert.Equal(t, 0, db.PatternCount())

	// The rule itself is never deleted.
	rows, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	rule, err := registry.GetRule(id)
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
}

func TestVersionBumpCallback(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	var bumps []uint64
	registry.OnVersionBump(func(v uint64) { bumps = append(bumps, v) })

	_, err := registry.AddRule(ctx, flagRule("flag-out"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, bumps)
}

func TestRegistryReload(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	defer store.Close()

	registry, err := NewRegistry(context.Background(), store, logger)
	require.NoError(t, err)
	id, err := registry.AddRule(context.Background(), flagRule("flag-out"))
	require.NoError(t, err)

	reloaded, err := NewRegistry(context.Background(), store, logger)
	require.NoError(t, err)
	rule, err := reloaded.GetRule(id)
	require.NoError(t, err)
	assert.Equal(t, "flag-out", rule.Name)
	assert.Equal(t, DirectionServer, rule.Patterns[0].Flags.Direction)

	_, version := reloaded.CurrentDatabase()
	assert.Equal(t, uint64(1), version)
}
