package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deseer/ws-dispatcher/config"
	"github.com/deseer/ws-dispatcher/onebot"
	"github.com/deseer/ws-dispatcher/outbound"
	"github.com/deseer/ws-dispatcher/store"
)

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu    sync.Mutex
	users map[int64]*store.User
	logs  []store.MessageLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[int64]*store.User)}
}

func (f *fakeStore) user(qqID int64) *store.User {
	u, ok := f.users[qqID]
	if !ok {
		u = &store.User{QQID: qqID, SelectedStyles: map[string]string{}}
		f.users[qqID] = u
	}
	return u
}

func (f *fakeStore) GetOrCreateUser(_ context.Context, qqID int64, nickname string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.user(qqID)
	if u.Nickname == "" {
		u.Nickname = nickname
	}
	return u, nil
}

func (f *fakeStore) GetUser(_ context.Context, qqID int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[qqID], nil
}

func (f *fakeStore) SetSelectedStyle(_ context.Context, qqID int64, categoryID, setID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user(qqID).SelectedStyles[categoryID] = setID
	return nil
}

func (f *fakeStore) SetSwitchGroup(_ context.Context, qqID int64, categoryID string, allowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.user(qqID)
	groups := u.AllowedSwitchGroups[:0:0]
	for _, g := range u.AllowedSwitchGroups {
		if g != categoryID {
			groups = append(groups, g)
		}
	}
	if allowed {
		groups = append(groups, categoryID)
	}
	u.AllowedSwitchGroups = groups
	return nil
}

func (f *fakeStore) SetPrivileged(_ context.Context, qqID int64, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user(qqID).IsPrivileged = on
	return nil
}

func (f *fakeStore) AppendMessageLog(_ context.Context, row *store.MessageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *row)
	return nil
}

func (f *fakeStore) RecentMessageLogs(_ context.Context, limit int) ([]store.MessageLog, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

// fakePool records sent frames per connection id.
type fakePool struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	failAll bool
}

func newFakePool() *fakePool { return &fakePool{sent: make(map[string][][]byte)} }

func (f *fakePool) Send(id string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return outbound.ErrNotConnected
	}
	f.sent[id] = append(f.sent[id], frame)
	return nil
}

func (f *fakePool) Status() map[string]outbound.Status {
	return map[string]outbound.Status{
		"botA": {ID: "botA", Name: "Bot A", Connected: true},
		"botB": {ID: "botB", Name: "Bot B", Connected: false},
	}
}

func (f *fakePool) lastSent(t *testing.T, id string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.sent[id]
	require.NotEmpty(t, frames, "nothing sent to %s", id)
	var out map[string]any
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &out))
	return out
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testConfig() *config.File {
	return &config.File{
		Categories: []config.Category{
			{ID: "tone", Name: "tone", DisplayName: "语气", DefaultCommandSet: "serious"},
		},
		CommandSets: []config.CommandSet{
			{
				ID: "cute", Name: "cute", Prefix: "萌", Category: "tone",
				TargetWS: "botA", Priority: 10, StripPrefix: true,
				Commands: []config.Command{{Name: "/chat"}},
			},
			{
				ID: "serious", Name: "serious", Category: "tone",
				TargetWS: "botB", Priority: 5,
				Commands: []config.Command{{Name: "/chat"}},
			},
			{
				ID: "tools", Name: "tools", TargetWS: "botA", Priority: 100, IsPublic: true,
				Commands: []config.Command{
					{Name: "/info"},
					{Name: "/trade", IsPrivileged: true},
					{Name: "/drink", TimeRestriction: &config.TimeRestriction{Start: "22:00", End: "06:00"}},
				},
			},
			{
				ID: "botb-tools", Name: "botb", TargetWS: "botB", Priority: 1,
				Commands: []config.Command{{Name: "/info"}},
			},
		},
		Final:  config.Final{Action: "reject", Message: "未知指令"},
		Admins: []int64{9},
	}
}

func newTestRouter(t *testing.T, cfg *config.File) (*Router, *fakeStore, *fakePool) {
	t.Helper()
	st := newFakeStore()
	pool := newFakePool()
	r := New(st, pool, testLog())
	require.NoError(t, r.Reload(cfg))
	return r, st, pool
}

func route(r *Router, raw string, userID, groupID int64) *Result {
	return r.Route(context.Background(), Request{
		Raw: raw, UserID: userID, GroupID: groupID, SelfID: 42,
	})
}

// Scenario 1: prefixed command forwards to the set's target with the prefix
// stripped from the outbound text.
func TestRoutePrefixedStripsPrefix(t *testing.T) {
	r, _, pool := newTestRouter(t, testConfig())

	res := route(r, "萌:/chat 你好", 100, 200)
	require.True(t, res.Success)
	assert.Equal(t, "botA", res.TargetWS)
	assert.Equal(t, "cute", res.CommandSet.ID)

	sent := pool.lastSent(t, "botA")
	assert.Equal(t, "/chat 你好", sent["message"])
	assert.Equal(t, "/chat 你好", sent["raw_message"])
}

func TestRoutePrefixedKeepsPrefixWithoutStrip(t *testing.T) {
	cfg := testConfig()
	cfg.CommandSets[0].StripPrefix = false
	r, _, pool := newTestRouter(t, cfg)

	res := route(r, "萌:/chat 你好", 100, 200)
	require.True(t, res.Success)
	sent := pool.lastSent(t, "botA")
	assert.Equal(t, "萌:/chat 你好", sent["message"])
}

// Scenario 2: the user's explicit style pick beats the category default and
// any priority delta.
func TestRouteUserStyleWins(t *testing.T) {
	cfg := testConfig()
	cfg.CommandSets[0].Priority = 10
	cfg.CommandSets[1].Priority = 5
	r, st, _ := newTestRouter(t, cfg)

	// Default pick: category default (serious) wins over cute's higher
	// priority (50+100 vs 100).
	res := route(r, "/chat hi", 100, 0)
	require.True(t, res.Success)
	assert.Equal(t, "serious", res.CommandSet.ID)

	require.NoError(t, st.SetSelectedStyle(context.Background(), 100, "tone", "cute"))
	res = route(r, "/chat hi", 100, 0)
	require.True(t, res.Success)
	assert.Equal(t, "cute", res.CommandSet.ID)
}

// Scoring monotonicity: selecting A raises only A's score.
func TestScoringMonotonicity(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())
	tbl := r.tbl.Load()

	a := tbl.snap.SetsByID["cute"]
	b := tbl.snap.SetsByID["serious"]

	plain := &store.User{QQID: 100}
	picked := &store.User{QQID: 100, SelectedStyles: map[string]string{"tone": "cute"}}

	assert.Greater(t, tbl.score(a, picked), tbl.score(a, plain))
	assert.Equal(t, tbl.score(b, plain), tbl.score(b, picked))
}

// Scenario 3: privileged command, unprivileged user.
func TestRoutePrivilegeDenied(t *testing.T) {
	r, _, pool := newTestRouter(t, testConfig())

	res := route(r, "/trade eth", 100, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "此指令需要特权才能使用", res.ErrorMessage)
	assert.Empty(t, pool.sent)
}

// Scenario 4: time-restricted command outside its window.
func TestRouteTimeRestricted(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())
	r.tbl.Load().checker.Now = func() time.Time {
		return time.Date(2025, 6, 1, 14, 0, 0, 0, time.Local)
	}

	res := route(r, "/drink", 100, 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "22:00 - 06:00")
}

// Scenario 5: forced route pins the named set regardless of scoring.
func TestRouteForced(t *testing.T) {
	r, _, pool := newTestRouter(t, testConfig())

	res := route(r, "botb /info", 100, 0)
	require.True(t, res.Success)
	assert.Equal(t, "botb-tools", res.CommandSet.ID)
	assert.Equal(t, "botB", res.TargetWS)
	assert.NotContains(t, pool.sent, "botA")
}

func TestRouteForcedUnknownCommand(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res := route(r, "botb /nope", 100, 0)
	assert.False(t, res.Success)
	assert.True(t, res.IsSystemCommand)
	assert.Equal(t, "指令集 botb 中没有指令 /nope", res.ErrorMessage)
}

// Scenario 6: final reject with send_message=false drops silently.
func TestFinalRejectSilent(t *testing.T) {
	cfg := testConfig()
	no := false
	cfg.Final = config.Final{Action: "reject", SendMessage: &no}
	r, _, _ := newTestRouter(t, cfg)

	res := route(r, "random chatter", 100, 0)
	assert.False(t, res.Success)
	assert.Empty(t, res.ErrorMessage)
}

func TestFinalRejectWithMessage(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res := route(r, "random chatter", 100, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "未知指令", res.ErrorMessage)
}

func TestFinalAllow(t *testing.T) {
	cfg := testConfig()
	cfg.Final = config.Final{Action: "allow"}
	r, _, _ := newTestRouter(t, cfg)

	res := route(r, "random chatter", 100, 0)
	assert.True(t, res.Success)
	assert.Empty(t, res.Response)
}

func TestFinalForward(t *testing.T) {
	cfg := testConfig()
	cfg.Final = config.Final{Action: "forward", TargetWS: "botA"}
	r, _, pool := newTestRouter(t, cfg)

	res := route(r, "random chatter", 100, 0)
	assert.True(t, res.Success)
	assert.Equal(t, "botA", res.TargetWS)

	sent := pool.lastSent(t, "botA")
	assert.Equal(t, "random chatter", sent["message"])
	assert.Equal(t, "message", sent["post_type"])
}

func TestRouteForwardFailureNotSurfaced(t *testing.T) {
	r, _, pool := newTestRouter(t, testConfig())
	pool.failAll = true

	res := route(r, "/info", 100, 0)
	assert.False(t, res.Success)
	assert.Empty(t, res.ErrorMessage)
	assert.NotEmpty(t, res.ForwardError)
}

func TestRoutePassesRawEventThrough(t *testing.T) {
	r, _, pool := newTestRouter(t, testConfig())

	raw := onebot.Event{
		"post_type":    "message",
		"message_type": "group",
		"message_id":   float64(777),
		"sub_type":     "normal",
		"self_id":      float64(1),
		"user_id":      float64(100),
		"group_id":     float64(200),
		"raw_message":  "/info",
		"message":      "/info",
		"custom_field": "keep-me",
	}
	res := r.Route(context.Background(), Request{
		Raw: "/info", UserID: 100, GroupID: 200, SelfID: 42, RawEvent: raw,
	})
	require.True(t, res.Success)

	sent := pool.lastSent(t, "botA")
	assert.Equal(t, float64(42), sent["self_id"])
	assert.Equal(t, "keep-me", sent["custom_field"])
	assert.Equal(t, float64(777), sent["message_id"])
}

func TestSystemHelp(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res := route(r, "/help", 100, 0)
	require.True(t, res.Success)
	assert.True(t, res.IsSystemCommand)
	assert.Contains(t, res.Response, "📖 指令帮助")
}

func TestSystemList(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res := route(r, "/list", 100, 0)
	require.True(t, res.Success)
	assert.Contains(t, res.Response, "【语气】")

	res = route(r, "/list 语气", 100, 0)
	require.True(t, res.Success)
	assert.Contains(t, res.Response, "【cute】")
	assert.Contains(t, res.Response, "【serious】")

	res = route(r, "/list nope", 100, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "分类 'nope' 不存在", res.ErrorMessage)
}

func TestSystemStyleSelect(t *testing.T) {
	r, st, _ := newTestRouter(t, testConfig())

	res := route(r, "/style select 语气 cute", 100, 0)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "✅ 已切换【语气】分类到【cute】风格", res.Response)

	u, _ := st.GetUser(context.Background(), 100)
	assert.Equal(t, "cute", u.SelectedStyles["tone"])

	// A style name that matches no set in the category is rejected.
	res = route(r, "/style select 语气 nope", 100, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "分类 '语气' 下没有风格 'nope'", res.ErrorMessage)
}

func TestSystemStyleSelectDeniedWhenLocked(t *testing.T) {
	cfg := testConfig()
	no := false
	cfg.Categories[0].AllowUserSwitch = &no
	r, st, _ := newTestRouter(t, cfg)

	res := route(r, "/style select 语气 cute", 100, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "此分类不允许用户切换风格，请联系管理员", res.ErrorMessage)

	// An admin grant opens the category for this user.
	require.NoError(t, st.SetSwitchGroup(context.Background(), 100, "tone", true))
	res = route(r, "/style select 语气 cute", 100, 0)
	assert.True(t, res.Success)
}

func TestSystemStyleCurrent(t *testing.T) {
	r, st, _ := newTestRouter(t, testConfig())

	res := route(r, "/style current", 100, 0)
	require.True(t, res.Success)
	assert.Contains(t, res.Response, "暂未选择任何风格")

	require.NoError(t, st.SetSelectedStyle(context.Background(), 100, "tone", "cute"))
	res = route(r, "/style current", 100, 0)
	assert.Contains(t, res.Response, "语气: cute")
}

func TestSystemStatus(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res := route(r, "/status", 100, 0)
	require.True(t, res.Success)
	assert.Contains(t, res.Response, "指令集: 4 个")
	assert.Contains(t, res.Response, "Bot A: ✅ 已连接")
	assert.Contains(t, res.Response, "Bot B: ❌ 未连接")
}

func TestSystemAdminGate(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res := route(r, "/admin", 100, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "你没有管理员权限", res.ErrorMessage)

	res = route(r, "/admin", 9, 0)
	require.True(t, res.Success)
	assert.Contains(t, res.Response, "🔧 管理员指令：")
}

func TestSystemAdminSubcommands(t *testing.T) {
	r, st, _ := newTestRouter(t, testConfig())
	ctx := context.Background()

	res := route(r, "/admin allow 100 tone", 9, 0)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "✅ 已允许用户 100 切换 tone 风格", res.Response)
	u, _ := st.GetUser(ctx, 100)
	assert.Contains(t, u.AllowedSwitchGroups, "tone")

	res = route(r, "/admin deny 100 tone", 9, 0)
	require.True(t, res.Success)
	u, _ = st.GetUser(ctx, 100)
	assert.NotContains(t, u.AllowedSwitchGroups, "tone")

	res = route(r, "/admin set 100 tone cute", 9, 0)
	require.True(t, res.Success)
	assert.Equal(t, "✅ 已为用户 100 设置 tone 风格为【cute】", res.Response)
	u, _ = st.GetUser(ctx, 100)
	assert.Equal(t, "cute", u.SelectedStyles["tone"])

	res = route(r, "/admin privilege 100 on", 9, 0)
	require.True(t, res.Success)
	assert.Equal(t, "✅ 已开启用户 100 的特权", res.Response)
	u, _ = st.GetUser(ctx, 100)
	assert.True(t, u.IsPrivileged)

	res = route(r, "/admin privilege 100 off", 9, 0)
	require.True(t, res.Success)
	assert.Equal(t, "✅ 已关闭用户 100 的特权", res.Response)

	res = route(r, "/admin bogus", 9, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "无效的管理员指令", res.ErrorMessage)
}

func TestIsSystemCommand(t *testing.T) {
	assert.True(t, IsSystemCommand("/help"))
	assert.True(t, IsSystemCommand("/STYLE select a b"))
	assert.False(t, IsSystemCommand("/chat hi"))
	assert.False(t, IsSystemCommand("helping"))
}

func TestNicknameFillsUserRow(t *testing.T) {
	r, st, _ := newTestRouter(t, testConfig())

	r.Route(context.Background(), Request{Raw: "/help", UserID: 100, Nickname: "Alice"})
	u, _ := st.GetUser(context.Background(), 100)
	require.NotNil(t, u)
	assert.Equal(t, "Alice", u.Nickname)
}
