// Package config manages the dispatcher configuration document.
// The whole catalog (categories, command sets, connections, access lists)
// lives in one YAML file; router.Reload builds the runtime catalog from a
// loaded File. The process loads the file and calls Reload once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default-true booleans are pointers throughout this package so that an
// absent key is distinguishable from an explicit false and Save can keep
// omitempty semantics without rewriting every default back into the file.

// Server holds the listen addresses.
type Server struct {
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	WSPort int    `yaml:"ws_port,omitempty"`
}

// Database holds the store DSN. A DSN starting with postgres:// or
// postgresql:// selects the Postgres store; anything else is treated as a
// SQLite file path.
type Database struct {
	URL string `yaml:"url,omitempty"`
}

// Logging configures the process-wide logger.
type Logging struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// TimeRestriction limits a command to a wall-clock window. Windows may wrap
// midnight (start > end).
type TimeRestriction struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Command is a single routable command inside a command set.
type Command struct {
	Name             string           `yaml:"name"`
	Aliases          []string         `yaml:"aliases,omitempty"`
	Description      string           `yaml:"description,omitempty"`
	IsPrivileged     bool             `yaml:"is_privileged,omitempty"`
	TimeRestriction  *TimeRestriction `yaml:"time_restriction,omitempty"`
	GroupRestriction []int64          `yaml:"group_restriction,omitempty"`
	UserWhitelist    []int64          `yaml:"user_whitelist,omitempty"`
	UserBlacklist    []int64          `yaml:"user_blacklist,omitempty"`
}

// CommandSet is a named bundle of commands routed to one outbound connection.
type CommandSet struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	Prefix          string    `yaml:"prefix,omitempty"`
	Category        string    `yaml:"category,omitempty"`
	Description     string    `yaml:"description,omitempty"`
	IsPublic        bool      `yaml:"is_public,omitempty"`
	TargetWS        string    `yaml:"target_ws"`
	Priority        int       `yaml:"priority,omitempty"`
	StripPrefix     bool      `yaml:"strip_prefix,omitempty"`
	Enabled         *bool     `yaml:"enabled,omitempty"`
	UserAccessList  string    `yaml:"user_access_list,omitempty"`
	GroupAccessList string    `yaml:"group_access_list,omitempty"`
	IsDefault       bool      `yaml:"is_default,omitempty"`
	Commands        []Command `yaml:"commands,omitempty"`
}

// Category groups command sets; a mutex category makes its members
// user-selectable styles.
type Category struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	DisplayName       string `yaml:"display_name,omitempty"`
	Description       string `yaml:"description,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	Order             int    `yaml:"order,omitempty"`
	Enabled           *bool  `yaml:"enabled,omitempty"`
	AllowUserSwitch   *bool  `yaml:"allow_user_switch,omitempty"`
	DefaultCommandSet string `yaml:"default_command_set,omitempty"`
	IsMutex           *bool  `yaml:"is_mutex,omitempty"`
}

// AccessList is a reusable whitelist or blacklist of user or group ids.
type AccessList struct {
	ID    string  `yaml:"id"`
	Name  string  `yaml:"name"`
	Type  string  `yaml:"type"` // "user" | "group"
	Mode  string  `yaml:"mode"` // "whitelist" | "blacklist"
	Items []int64 `yaml:"items,omitempty"`
}

// Connection describes one outbound WebSocket link.
type Connection struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	Token             string `yaml:"token,omitempty"`
	AutoReconnect     *bool  `yaml:"auto_reconnect,omitempty"`
	ReconnectInterval int    `yaml:"reconnect_interval,omitempty"` // seconds
	AllowForward      bool   `yaml:"allow_forward,omitempty"`
}

// Final is the catch-all rule for text that matched nothing.
type Final struct {
	Action      string `yaml:"action,omitempty"` // reject | allow | forward
	TargetWS    string `yaml:"target_ws,omitempty"`
	Message     string `yaml:"message,omitempty"`
	SendMessage *bool  `yaml:"send_message,omitempty"`
}

// File is the full configuration document.
type File struct {
	Server      Server       `yaml:"server"`
	Database    Database     `yaml:"database"`
	Logging     Logging      `yaml:"logging"`
	Categories  []Category   `yaml:"categories"`
	Connections []Connection `yaml:"connections"`
	CommandSets []CommandSet `yaml:"command_sets"`
	AccessLists []AccessList `yaml:"access_lists,omitempty"`
	Final       Final        `yaml:"final"`
	Admins      []int64      `yaml:"admins"`
}

// Load reads the configuration from path, filling defaults for absent fields.
// A missing file yields the built-in defaults, not an error.
func Load(path string) (*File, error) {
	f := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	f.applyDefaults()
	return f, nil
}

// Save writes the configuration back to path. Zero values and nil pointers
// are omitted so hand-edited files stay readable.
func (f *File) Save(path string) error {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o644)
}

func defaults() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if f.Server.Host == "" {
		f.Server.Host = "0.0.0.0"
	}
	if f.Server.Port == 0 {
		f.Server.Port = 8080
	}
	if f.Server.WSPort == 0 {
		f.Server.WSPort = 8765
	}
	if f.Database.URL == "" {
		f.Database.URL = "data/dispatcher.db"
	}
	if f.Logging.Level == "" {
		f.Logging.Level = "info"
	}
	if f.Final.Action == "" {
		f.Final.Action = "reject"
	}
	if f.Final.Message == "" {
		f.Final.Message = "未知指令"
	}
	for i := range f.Connections {
		if f.Connections[i].ReconnectInterval == 0 {
			f.Connections[i].ReconnectInterval = 5
		}
	}
}

// BoolOr resolves a default-true pointer boolean.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// IsEnabled reports whether the command set is enabled (default true).
func (cs *CommandSet) IsEnabled() bool { return BoolOr(cs.Enabled, true) }

// IsEnabled reports whether the category is enabled (default true).
func (c *Category) IsEnabled() bool { return BoolOr(c.Enabled, true) }

// AllowsUserSwitch reports whether users may switch styles (default true).
func (c *Category) AllowsUserSwitch() bool { return BoolOr(c.AllowUserSwitch, true) }

// Mutex reports whether member sets are mutually exclusive (default true).
func (c *Category) Mutex() bool { return BoolOr(c.IsMutex, true) }

// Reconnects reports whether the connection auto-reconnects (default true).
func (c *Connection) Reconnects() bool { return BoolOr(c.AutoReconnect, true) }

// SendsMessage reports whether a final-rule rejection replies (default true).
func (f *Final) SendsMessage() bool { return BoolOr(f.SendMessage, true) }
