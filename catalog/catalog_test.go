package catalog

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deseer/ws-dispatcher/config"
)

func testConfig() *config.File {
	f := false
	return &config.File{
		Categories: []config.Category{
			{ID: "tone", Name: "tone", DisplayName: "语气", Order: 2},
			{ID: "music", Name: "music", DisplayName: "音乐", Order: 1},
		},
		CommandSets: []config.CommandSet{
			{
				ID: "cute", Name: "Cute", Prefix: "萌", Category: "tone",
				TargetWS: "botA", Priority: 10,
				Commands: []config.Command{{Name: "/chat", Aliases: []string{"/c"}}},
			},
			{
				ID: "serious", Name: "Serious", Category: "tone",
				TargetWS: "botB", Priority: 5, IsDefault: true,
				Commands: []config.Command{{Name: "/chat"}},
			},
			{
				ID: "old", Name: "Old", Enabled: &f, Prefix: "旧",
				TargetWS: "botC",
				Commands: []config.Command{{Name: "/chat"}},
			},
		},
		AccessLists: []config.AccessList{
			{ID: "vips", Name: "VIPs", Type: "user", Mode: "whitelist", Items: []int64{1, 2}},
		},
	}
}

func TestBuildIndexes(t *testing.T) {
	snap, err := Build(testConfig())
	require.NoError(t, err)

	assert.Len(t, snap.SetsByID, 3)
	assert.Len(t, snap.EnabledSets(), 2)

	// Disabled sets register neither prefix nor name.
	assert.Contains(t, snap.SetsByPrefix, "萌")
	assert.NotContains(t, snap.SetsByPrefix, "旧")
	assert.Contains(t, snap.SetsByName, "cute")
	assert.NotContains(t, snap.SetsByName, "old")

	// Categories sorted by order.
	require.Len(t, snap.Categories, 2)
	assert.Equal(t, "music", snap.Categories[0].ID)
	assert.Equal(t, "tone", snap.Categories[1].ID)

	// Category members sorted priority desc, id asc.
	members := snap.SetsByCategory["tone"]
	require.Len(t, members, 2)
	assert.Equal(t, "cute", members[0].ID)
	assert.Equal(t, "serious", members[1].ID)

	// is_default fills in the category default when unset.
	assert.Equal(t, "serious", snap.CategoriesByID["tone"].DefaultCommandSet)
}

func TestBuildIdempotent(t *testing.T) {
	cfg := testConfig()
	a, err := Build(cfg)
	require.NoError(t, err)
	b, err := Build(cfg)
	require.NoError(t, err)

	assert.True(t, reflect.DeepEqual(a.Prefixes, b.Prefixes))
	assert.True(t, reflect.DeepEqual(a.SetsByID, b.SetsByID))
	assert.True(t, reflect.DeepEqual(a.Categories, b.Categories))
	assert.True(t, reflect.DeepEqual(a.AccessLists, b.AccessLists))
}

func TestBuildRejectsDuplicates(t *testing.T) {
	cfg := testConfig()
	cfg.CommandSets = append(cfg.CommandSets, config.CommandSet{
		ID: "cute2", Name: "Other", Prefix: "萌", TargetWS: "botX",
	})
	_, err := Build(cfg)
	assert.ErrorContains(t, err, "prefix")

	cfg = testConfig()
	cfg.CommandSets = append(cfg.CommandSets, config.CommandSet{
		ID: "cute", Name: "Dup", TargetWS: "botX",
	})
	_, err = Build(cfg)
	assert.ErrorContains(t, err, "duplicate command set id")

	cfg = testConfig()
	cfg.CommandSets = append(cfg.CommandSets, config.CommandSet{
		ID: "extra", Name: "Extra", Category: "tone", IsDefault: true, TargetWS: "botX",
	})
	_, err = Build(cfg)
	assert.ErrorContains(t, err, "two default sets")
}

func TestBuildRejectsBadAccessList(t *testing.T) {
	cfg := testConfig()
	cfg.AccessLists = append(cfg.AccessLists, config.AccessList{
		ID: "bad", Type: "robot", Mode: "whitelist",
	})
	_, err := Build(cfg)
	assert.ErrorContains(t, err, "invalid type")
}

func TestPrefixesLongestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.CommandSets = append(cfg.CommandSets, config.CommandSet{
		ID: "cuteplus", Name: "CutePlus", Prefix: "萌萌", TargetWS: "botX",
	})
	snap, err := Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"萌萌", "萌"}, snap.Prefixes)
}

func TestFindCommandAliases(t *testing.T) {
	snap, err := Build(testConfig())
	require.NoError(t, err)

	cs := snap.SetsByID["cute"]
	assert.NotNil(t, cs.FindCommand("/chat"))
	assert.NotNil(t, cs.FindCommand("/c"))
	assert.Nil(t, cs.FindCommand("/nope"))
}

func TestTimeRangeContains(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 1, h, m, 0, 0, time.Local)
	}

	plain := TimeRange{Start: Clock{9, 0}, End: Clock{17, 0}}
	assert.True(t, plain.Contains(at(9, 0)))
	assert.True(t, plain.Contains(at(12, 30)))
	assert.True(t, plain.Contains(at(17, 0)))
	assert.False(t, plain.Contains(at(8, 59)))
	assert.False(t, plain.Contains(at(17, 1)))

	// 22:00–06:00 wraps midnight.
	wrap := TimeRange{Start: Clock{22, 0}, End: Clock{6, 0}}
	assert.True(t, wrap.Contains(at(23, 0)))
	assert.True(t, wrap.Contains(at(2, 0)))
	assert.True(t, wrap.Contains(at(22, 0)))
	assert.True(t, wrap.Contains(at(6, 0)))
	assert.False(t, wrap.Contains(at(14, 0)))
}

func TestHandleSwap(t *testing.T) {
	a, err := Build(testConfig())
	require.NoError(t, err)

	h := NewHandle(a)
	assert.Same(t, a, h.Load())

	b, err := Build(testConfig())
	require.NoError(t, err)
	h.Swap(b)
	assert.Same(t, b, h.Load())
}
