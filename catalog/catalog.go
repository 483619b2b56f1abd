// Package catalog holds the indexed, immutable runtime view of the routing
// configuration: categories, command sets, commands and access lists.
//
// A Snapshot is built wholesale from a config.File and never mutated
// afterwards. Readers hold it through an atomically swapped pointer (a Handle,
// or the router's own table pointer replaced by Router.Reload), so readers
// never lock and never observe a half-rebuilt catalog.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deseer/ws-dispatcher/config"
)

// Clock is a wall-clock instant with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// TimeRange is an inclusive wall-clock window, possibly wrapping midnight.
type TimeRange struct {
	Start Clock
	End   Clock
}

// Contains reports whether t's local wall-clock time falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	start, end := r.Start.minutes(), r.End.minutes()
	if start <= end {
		return start <= m && m <= end
	}
	// Window wraps midnight, e.g. 22:00–06:00.
	return m >= start || m <= end
}

func parseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return Clock{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid time %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// Command is a routable command inside a set.
type Command struct {
	Name             string
	Aliases          []string
	Description      string
	IsPrivileged     bool
	TimeRestriction  *TimeRange
	GroupRestriction []int64
	UserWhitelist    []int64
	UserBlacklist    []int64
}

// Matches reports whether name equals the command name or one of its aliases.
func (c *Command) Matches(name string) bool {
	if name == c.Name {
		return true
	}
	for _, a := range c.Aliases {
		if name == a {
			return true
		}
	}
	return false
}

// CommandSet is a named bundle of commands routed to one outbound connection.
type CommandSet struct {
	ID              string
	Name            string
	Prefix          string
	Category        string
	Description     string
	IsPublic        bool
	TargetWS        string
	Priority        int
	StripPrefix     bool
	Enabled         bool
	UserAccessList  string
	GroupAccessList string
	IsDefault       bool
	Commands        []Command
}

// FindCommand returns the first command matching name or an alias, or nil.
func (cs *CommandSet) FindCommand(name string) *Command {
	for i := range cs.Commands {
		if cs.Commands[i].Matches(name) {
			return &cs.Commands[i]
		}
	}
	return nil
}

// Category is a UI-level grouping of command sets.
type Category struct {
	ID                string
	Name              string
	DisplayName       string
	Description       string
	Icon              string
	Order             int
	Enabled           bool
	AllowUserSwitch   bool
	DefaultCommandSet string
	IsMutex           bool
}

// ListType distinguishes user lists from group lists.
type ListType string

// ListMode distinguishes whitelists from blacklists.
type ListMode string

const (
	ListTypeUser  ListType = "user"
	ListTypeGroup ListType = "group"

	ModeWhitelist ListMode = "whitelist"
	ModeBlacklist ListMode = "blacklist"
)

// AccessList is a reusable whitelist or blacklist of user or group ids.
type AccessList struct {
	ID    string
	Name  string
	Type  ListType
	Mode  ListMode
	Items []int64
}

// Contains reports whether id is a member of the list.
func (l *AccessList) Contains(id int64) bool {
	for _, item := range l.Items {
		if item == id {
			return true
		}
	}
	return false
}

// Snapshot is the immutable indexed catalog.
type Snapshot struct {
	SetsByID       map[string]*CommandSet
	SetsByPrefix   map[string]*CommandSet // enabled sets only
	SetsByName     map[string]*CommandSet // lower-cased name, enabled sets only
	SetsByCategory map[string][]*CommandSet
	PublicSets     []*CommandSet
	CategoriesByID map[string]*Category
	Categories     []*Category // sorted by Order, then ID
	AccessLists    map[string]*AccessList

	// Prefixes of enabled sets, sorted longest-first for the parser.
	Prefixes []string

	enabledSets []*CommandSet
}

// EnabledSets returns all enabled command sets in build order.
// Callers must not mutate the returned slice.
func (s *Snapshot) EnabledSets() []*CommandSet { return s.enabledSets }

// Build constructs an indexed Snapshot from the configuration, validating
// the uniqueness invariants. Building twice from the same config yields
// identical index contents.
func Build(cfg *config.File) (*Snapshot, error) {
	s := &Snapshot{
		SetsByID:       make(map[string]*CommandSet),
		SetsByPrefix:   make(map[string]*CommandSet),
		SetsByName:     make(map[string]*CommandSet),
		SetsByCategory: make(map[string][]*CommandSet),
		CategoriesByID: make(map[string]*Category),
		AccessLists:    make(map[string]*AccessList),
	}

	for i := range cfg.Categories {
		cc := &cfg.Categories[i]
		if _, dup := s.CategoriesByID[cc.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %q", cc.ID)
		}
		cat := &Category{
			ID:                cc.ID,
			Name:              cc.Name,
			DisplayName:       cc.DisplayName,
			Description:       cc.Description,
			Icon:              cc.Icon,
			Order:             cc.Order,
			Enabled:           cc.IsEnabled(),
			AllowUserSwitch:   cc.AllowsUserSwitch(),
			DefaultCommandSet: cc.DefaultCommandSet,
			IsMutex:           cc.Mutex(),
		}
		if cat.DisplayName == "" {
			cat.DisplayName = cat.Name
		}
		s.CategoriesByID[cat.ID] = cat
		s.Categories = append(s.Categories, cat)
	}
	sort.SliceStable(s.Categories, func(i, j int) bool {
		if s.Categories[i].Order != s.Categories[j].Order {
			return s.Categories[i].Order < s.Categories[j].Order
		}
		return s.Categories[i].ID < s.Categories[j].ID
	})

	defaultsSeen := make(map[string]string) // category id → set id with is_default
	for i := range cfg.CommandSets {
		sc := &cfg.CommandSets[i]
		if _, dup := s.SetsByID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate command set id %q", sc.ID)
		}
		cs, err := buildSet(sc)
		if err != nil {
			return nil, err
		}
		s.SetsByID[cs.ID] = cs

		if cs.IsDefault && cs.Category != "" {
			if prev, ok := defaultsSeen[cs.Category]; ok {
				return nil, fmt.Errorf("category %q has two default sets (%q, %q)", cs.Category, prev, cs.ID)
			}
			defaultsSeen[cs.Category] = cs.ID
		}
		if cs.Category != "" {
			s.SetsByCategory[cs.Category] = append(s.SetsByCategory[cs.Category], cs)
		}
		if !cs.Enabled {
			continue
		}
		s.enabledSets = append(s.enabledSets, cs)
		if cs.IsPublic {
			s.PublicSets = append(s.PublicSets, cs)
		}
		if cs.Prefix != "" {
			if _, dup := s.SetsByPrefix[cs.Prefix]; dup {
				return nil, fmt.Errorf("duplicate command set prefix %q", cs.Prefix)
			}
			s.SetsByPrefix[cs.Prefix] = cs
			s.Prefixes = append(s.Prefixes, cs.Prefix)
		}
		lower := strings.ToLower(cs.Name)
		if _, dup := s.SetsByName[lower]; dup {
			return nil, fmt.Errorf("duplicate command set name %q", cs.Name)
		}
		s.SetsByName[lower] = cs
	}

	// Category member lists: priority desc, then id asc.
	for _, sets := range s.SetsByCategory {
		sort.SliceStable(sets, func(i, j int) bool {
			if sets[i].Priority != sets[j].Priority {
				return sets[i].Priority > sets[j].Priority
			}
			return sets[i].ID < sets[j].ID
		})
	}

	// Longest-first so the parser is immune to prefix shadowing.
	sort.SliceStable(s.Prefixes, func(i, j int) bool {
		if len(s.Prefixes[i]) != len(s.Prefixes[j]) {
			return len(s.Prefixes[i]) > len(s.Prefixes[j])
		}
		return s.Prefixes[i] < s.Prefixes[j]
	})

	// Fall back to the is_default member when the category does not name a
	// default set explicitly.
	for _, cat := range s.Categories {
		if cat.DefaultCommandSet == "" {
			cat.DefaultCommandSet = defaultsSeen[cat.ID]
		}
	}

	for i := range cfg.AccessLists {
		lc := &cfg.AccessLists[i]
		if _, dup := s.AccessLists[lc.ID]; dup {
			return nil, fmt.Errorf("duplicate access list id %q", lc.ID)
		}
		switch ListType(lc.Type) {
		case ListTypeUser, ListTypeGroup:
		default:
			return nil, fmt.Errorf("access list %q: invalid type %q", lc.ID, lc.Type)
		}
		switch ListMode(lc.Mode) {
		case ModeWhitelist, ModeBlacklist:
		default:
			return nil, fmt.Errorf("access list %q: invalid mode %q", lc.ID, lc.Mode)
		}
		s.AccessLists[lc.ID] = &AccessList{
			ID:    lc.ID,
			Name:  lc.Name,
			Type:  ListType(lc.Type),
			Mode:  ListMode(lc.Mode),
			Items: append([]int64(nil), lc.Items...),
		}
	}

	return s, nil
}

func buildSet(sc *config.CommandSet) (*CommandSet, error) {
	cs := &CommandSet{
		ID:              sc.ID,
		Name:            sc.Name,
		Prefix:          sc.Prefix,
		Category:        sc.Category,
		Description:     sc.Description,
		IsPublic:        sc.IsPublic,
		TargetWS:        sc.TargetWS,
		Priority:        sc.Priority,
		StripPrefix:     sc.StripPrefix,
		Enabled:         sc.IsEnabled(),
		UserAccessList:  sc.UserAccessList,
		GroupAccessList: sc.GroupAccessList,
		IsDefault:       sc.IsDefault,
	}
	for i := range sc.Commands {
		cc := &sc.Commands[i]
		cmd := Command{
			Name:             cc.Name,
			Aliases:          append([]string(nil), cc.Aliases...),
			Description:      cc.Description,
			IsPrivileged:     cc.IsPrivileged,
			GroupRestriction: append([]int64(nil), cc.GroupRestriction...),
			UserWhitelist:    append([]int64(nil), cc.UserWhitelist...),
			UserBlacklist:    append([]int64(nil), cc.UserBlacklist...),
		}
		if cc.TimeRestriction != nil {
			start, err := parseClock(cc.TimeRestriction.Start)
			if err != nil {
				return nil, fmt.Errorf("set %q command %q: %w", sc.ID, cc.Name, err)
			}
			end, err := parseClock(cc.TimeRestriction.End)
			if err != nil {
				return nil, fmt.Errorf("set %q command %q: %w", sc.ID, cc.Name, err)
			}
			cmd.TimeRestriction = &TimeRange{Start: start, End: end}
		}
		cs.Commands = append(cs.Commands, cmd)
	}
	return cs, nil
}
