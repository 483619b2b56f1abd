// Package policy evaluates whether a user may run a command or switch styles.
// Checks are pure reads over the user row and the catalog snapshot; refusals
// carry the user-facing message for the chat reply.
package policy

import (
	"fmt"
	"time"

	"github.com/deseer/ws-dispatcher/catalog"
	"github.com/deseer/ws-dispatcher/store"
)

// Reason identifies why a check refused.
type Reason string

const (
	Allowed            Reason = "allowed"
	Blacklisted        Reason = "blacklisted"
	NotWhitelisted     Reason = "not_whitelisted"
	GroupRestricted    Reason = "group_restricted"
	TimeRestricted     Reason = "time_restricted"
	PrivilegeRequired  Reason = "privilege_required"
	NotAllowedToSwitch Reason = "not_allowed_to_switch"
)

// Refusal messages shown to the user, keyed by reason. TimeRestricted is
// formatted with the window bounds instead.
var messages = map[Reason]string{
	Blacklisted:        "你已被禁止使用此指令",
	NotWhitelisted:     "你没有使用此指令的权限",
	GroupRestricted:    "此指令不允许在本群使用",
	PrivilegeRequired:  "此指令需要特权才能使用",
	NotAllowedToSwitch: "此分类不允许用户切换风格，请联系管理员",
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string
}

func allow() Decision { return Decision{Allowed: true, Reason: Allowed} }

func deny(r Reason) Decision {
	return Decision{Reason: r, Message: messages[r]}
}

// Checker evaluates access policy. Admins short-circuit every check.
type Checker struct {
	admins map[int64]struct{}

	// Now is the clock used for time restrictions; defaults to time.Now.
	Now func() time.Time
}

// New builds a Checker over the configured admin ids.
func New(admins []int64) *Checker {
	c := &Checker{admins: make(map[int64]struct{}, len(admins)), Now: time.Now}
	for _, id := range admins {
		c.admins[id] = struct{}{}
	}
	return c
}

// IsAdmin reports whether the id is a configured admin.
func (c *Checker) IsAdmin(qqID int64) bool {
	_, ok := c.admins[qqID]
	return ok
}

// CheckCommand gates one command for one user. The checks run in a fixed
// order and the first failure wins:
// blacklist, whitelist, group restriction, time restriction, privilege.
// groupID is 0 for private messages; the group restriction only applies in
// group context.
func (c *Checker) CheckCommand(user *store.User, cmd *catalog.Command, groupID int64) Decision {
	var userID int64
	if user != nil {
		userID = user.QQID
	}

	if c.IsAdmin(userID) {
		return allow()
	}

	for _, id := range cmd.UserBlacklist {
		if id == userID {
			return deny(Blacklisted)
		}
	}

	if len(cmd.UserWhitelist) > 0 && !containsID(cmd.UserWhitelist, userID) {
		return deny(NotWhitelisted)
	}

	if len(cmd.GroupRestriction) > 0 && groupID != 0 && !containsID(cmd.GroupRestriction, groupID) {
		return deny(GroupRestricted)
	}

	if cmd.TimeRestriction != nil && !cmd.TimeRestriction.Contains(c.Now()) {
		return Decision{
			Reason: TimeRestricted,
			Message: fmt.Sprintf("此指令仅在 %s - %s 时段可用",
				cmd.TimeRestriction.Start, cmd.TimeRestriction.End),
		}
	}

	if cmd.IsPrivileged && (user == nil || !user.IsPrivileged) {
		return deny(PrivilegeRequired)
	}

	return allow()
}

// CheckSetAccess gates a command set's user and group access lists.
// A whitelist requires membership; a blacklist rejects members. Dangling
// list references are ignored (the list may have been edited away).
func (c *Checker) CheckSetAccess(user *store.User, set *catalog.CommandSet, lists map[string]*catalog.AccessList, groupID int64) Decision {
	var userID int64
	if user != nil {
		userID = user.QQID
	}
	if c.IsAdmin(userID) {
		return allow()
	}

	if l := lists[set.UserAccessList]; l != nil && l.Type == catalog.ListTypeUser {
		switch l.Mode {
		case catalog.ModeWhitelist:
			if !l.Contains(userID) {
				return deny(NotWhitelisted)
			}
		case catalog.ModeBlacklist:
			if l.Contains(userID) {
				return deny(Blacklisted)
			}
		}
	}

	if l := lists[set.GroupAccessList]; l != nil && l.Type == catalog.ListTypeGroup && groupID != 0 {
		switch l.Mode {
		case catalog.ModeWhitelist:
			if !l.Contains(groupID) {
				return deny(GroupRestricted)
			}
		case catalog.ModeBlacklist:
			if l.Contains(groupID) {
				return deny(GroupRestricted)
			}
		}
	}

	return allow()
}

// CheckStyleSwitch gates changing the current style of a category. Admins
// may always switch; otherwise the category must allow it, or an admin must
// have opened the category for this user.
func (c *Checker) CheckStyleSwitch(user *store.User, cat *catalog.Category) Decision {
	var userID int64
	if user != nil {
		userID = user.QQID
	}
	if c.IsAdmin(userID) {
		return allow()
	}
	if cat.AllowUserSwitch || user.MaySwitch(cat.ID) {
		return allow()
	}
	return deny(NotAllowedToSwitch)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
