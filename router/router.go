// Package router is the dispatch engine: it parses an inbound chat line,
// selects a command set, applies policy, and forwards the event to the
// set's downstream connection. A small set of built-in commands (help,
// listing, style selection, admin tools) is handled here and never forwarded.
package router

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deseer/ws-dispatcher/catalog"
	"github.com/deseer/ws-dispatcher/config"
	"github.com/deseer/ws-dispatcher/metrics"
	"github.com/deseer/ws-dispatcher/onebot"
	"github.com/deseer/ws-dispatcher/outbound"
	"github.com/deseer/ws-dispatcher/parser"
	"github.com/deseer/ws-dispatcher/policy"
	"github.com/deseer/ws-dispatcher/store"
)

// Sender is the slice of the outbound pool the router needs.
type Sender interface {
	Send(id string, frame []byte) error
	Status() map[string]outbound.Status
}

// Request is one inbound message to route. GroupID is 0 for private
// messages. RawEvent, when present, is passed through to the downstream
// with only self_id/message/raw_message rewritten.
type Request struct {
	Raw      string
	UserID   int64
	GroupID  int64
	Nickname string
	SelfID   int64
	RawEvent onebot.Event
}

// Result is the outcome of routing one message. The router never returns an
// error: every path lands here.
type Result struct {
	Success         bool
	TargetWS        string
	CommandSet      *catalog.CommandSet
	Command         *catalog.Command
	Response        string
	ErrorMessage    string
	IsSystemCommand bool

	// ForwardError records a downstream delivery failure. It is audited but
	// never sent to the user.
	ForwardError string
}

// table bundles everything derived from one config generation. It is
// immutable and swapped atomically on reload.
type table struct {
	snap    *catalog.Snapshot
	parser  *parser.Parser
	checker *policy.Checker
	final   config.Final
}

// Router routes inbound messages. Construct once, then Reload with each
// config generation.
type Router struct {
	st   store.Store
	pool Sender
	log  *logrus.Entry

	tbl atomic.Pointer[table]
}

// New creates a Router. Reload must be called before the first Route.
func New(st store.Store, pool Sender, log *logrus.Entry) *Router {
	return &Router{st: st, pool: pool, log: log}
}

// Reload builds a fresh catalog snapshot from cfg and swaps it in
// atomically. In-flight routes keep using the previous snapshot.
func (r *Router) Reload(cfg *config.File) error {
	snap, err := catalog.Build(cfg)
	if err != nil {
		return err
	}
	r.tbl.Store(&table{
		snap:    snap,
		parser:  parser.New(snap.Prefixes),
		checker: policy.New(cfg.Admins),
		final:   cfg.Final,
	})
	r.log.Infof("已加载 %d 个分类, %d 个指令集", len(snap.Categories), len(snap.SetsByID))
	return nil
}

// Snapshot returns the current catalog snapshot (nil before the first
// Reload). Exposed for the CRUD/monitor surface.
func (r *Router) Snapshot() *catalog.Snapshot {
	if t := r.tbl.Load(); t != nil {
		return t.snap
	}
	return nil
}

// forcedRE matches "<set-name> /cmd args", the syntax that pins a command to
// a named set regardless of scoring.
var forcedRE = regexp.MustCompile(`^(\S+)\s+(/\S+.*)$`)

// Route dispatches one inbound message.
func (r *Router) Route(ctx context.Context, req Request) *Result {
	tbl := r.tbl.Load()
	if tbl == nil {
		return &Result{ForwardError: "router not loaded"}
	}

	user, err := r.st.GetOrCreateUser(ctx, req.UserID, req.Nickname)
	if err != nil {
		// Keep routing with a transient row; policy still sees the id.
		r.log.WithError(err).Errorf("用户读取失败: %d", req.UserID)
		user = &store.User{QQID: req.UserID, Nickname: req.Nickname}
	}

	if res := r.tryForcedRoute(tbl, req, user); res != nil {
		return res
	}

	parsed := tbl.parser.Parse(req.Raw)
	if !parsed.IsCommand {
		return r.applyFinalRule(tbl, req)
	}

	if res := r.handleSystemCommand(ctx, tbl, parsed, user, req.GroupID); res != nil {
		return res
	}

	set, cmd := tbl.findCommand(parsed, user)
	if set == nil || cmd == nil {
		return r.applyFinalRule(tbl, req)
	}

	if d := tbl.checker.CheckSetAccess(user, set, tbl.snap.AccessLists, req.GroupID); !d.Allowed {
		return &Result{CommandSet: set, Command: cmd, ErrorMessage: d.Message}
	}
	if d := tbl.checker.CheckCommand(user, cmd, req.GroupID); !d.Allowed {
		return &Result{CommandSet: set, Command: cmd, ErrorMessage: d.Message}
	}

	text := parsed.Raw
	if set.StripPrefix {
		text = parsed.Body
	}

	res := &Result{Success: true, TargetWS: set.TargetWS, CommandSet: set, Command: cmd}
	if err := r.forward(set.TargetWS, text, req.SelfID, req.UserID, req.GroupID, req.RawEvent); err != nil {
		res.Success = false
		res.ForwardError = err.Error()
	}
	return res
}

// tryForcedRoute handles "<set-name> /cmd args". Returns nil when the line
// is not a forced route, so normal routing continues.
func (r *Router) tryForcedRoute(tbl *table, req Request, user *store.User) *Result {
	m := forcedRE.FindStringSubmatch(strings.TrimSpace(req.Raw))
	if m == nil {
		return nil
	}

	set := tbl.snap.SetsByName[strings.ToLower(m[1])]
	if set == nil {
		return nil
	}

	parsed := tbl.parser.Parse(m[2])
	if !parsed.IsCommand {
		return nil
	}

	cmd := set.FindCommand(parsed.Command)
	if cmd == nil {
		return &Result{
			ErrorMessage:    "指令集 " + set.Name + " 中没有指令 " + parsed.Command,
			IsSystemCommand: true,
		}
	}

	if d := tbl.checker.CheckSetAccess(user, set, tbl.snap.AccessLists, req.GroupID); !d.Allowed {
		return &Result{CommandSet: set, Command: cmd, ErrorMessage: d.Message}
	}
	if d := tbl.checker.CheckCommand(user, cmd, req.GroupID); !d.Allowed {
		return &Result{CommandSet: set, Command: cmd, ErrorMessage: d.Message}
	}

	text := m[2]
	if set.StripPrefix {
		text = parsed.Body
	}

	res := &Result{Success: true, TargetWS: set.TargetWS, CommandSet: set, Command: cmd}
	if err := r.forward(set.TargetWS, text, req.SelfID, req.UserID, req.GroupID, req.RawEvent); err != nil {
		res.Success = false
		res.ForwardError = err.Error()
	}
	return res
}

// findCommand selects the command set for a parsed command. An explicit
// prefix pins the set when it knows the command; otherwise all enabled sets
// that know it compete on score.
func (t *table) findCommand(p parser.Parsed, user *store.User) (*catalog.CommandSet, *catalog.Command) {
	if p.Prefix != "" {
		if cs := t.snap.SetsByPrefix[p.Prefix]; cs != nil {
			if cmd := cs.FindCommand(p.Command); cmd != nil {
				return cs, cmd
			}
		}
		// Prefixed set does not know the command; fall through to scoring
		// on the bare command name.
	}

	type match struct {
		set *catalog.CommandSet
		cmd *catalog.Command
	}
	var matches []match
	for _, cs := range t.snap.EnabledSets() {
		if cmd := cs.FindCommand(p.Command); cmd != nil {
			matches = append(matches, match{cs, cmd})
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	bestScore := t.score(best.set, user)
	for _, m := range matches[1:] {
		s := t.score(m.set, user)
		if s > bestScore ||
			(s == bestScore && m.set.Priority > best.set.Priority) ||
			(s == bestScore && m.set.Priority == best.set.Priority && m.set.ID < best.set.ID) {
			best, bestScore = m, s
		}
	}
	return best.set, best.cmd
}

// score ranks one candidate set for one user. The user's explicit style pick
// always wins; category defaults beat public catch-alls; priority lets the
// operator bias sets without touching user state.
func (t *table) score(cs *catalog.CommandSet, user *store.User) int {
	score := cs.Priority * 10

	if cs.Category != "" {
		if user.SelectedStyle(cs.Category) == cs.ID {
			score += 1000
		}
		if cat := t.snap.CategoriesByID[cs.Category]; cat != nil && cat.DefaultCommandSet == cs.ID {
			score += 100
		}
	}
	if cs.IsPublic {
		score += 50
	}
	return score
}

// applyFinalRule handles text that is not a command or matched no set.
func (r *Router) applyFinalRule(tbl *table, req Request) *Result {
	switch tbl.final.Action {
	case "forward":
		if tbl.final.TargetWS == "" {
			return &Result{Success: true}
		}
		res := &Result{Success: true, TargetWS: tbl.final.TargetWS}
		if err := r.forward(tbl.final.TargetWS, req.Raw, 0, 0, 0, nil); err != nil {
			res.Success = false
			res.ForwardError = err.Error()
		}
		return res

	case "reject":
		res := &Result{}
		if tbl.final.SendsMessage() {
			res.ErrorMessage = tbl.final.Message
		}
		return res

	default: // allow: drop silently
		return &Result{Success: true}
	}
}

// forward delivers one text to a downstream connection, fire-and-forget.
// The original event, when present, is passed through with only self_id and
// the message body rewritten; otherwise a minimal event is synthesized.
func (r *Router) forward(target, text string, selfID, userID, groupID int64, raw onebot.Event) error {
	var event onebot.Event
	if raw != nil {
		event = onebot.ForwardEnvelope(raw, selfID, text)
	} else {
		event = onebot.SynthesizeMessageEvent(selfID, userID, groupID, text, time.Now())
	}

	frame, err := event.Marshal()
	if err != nil {
		return err
	}

	r.log.Infof("Forwarding to [%s]: %s", target, frame)
	if err := r.pool.Send(target, frame); err != nil {
		r.log.WithError(err).Errorf("转发失败: %s", target)
		return err
	}
	metrics.ForwardedTotal.WithLabelValues(target).Inc()
	return nil
}
