// Package parser turns a raw chat line into a parsed command.
//
// Two shapes are commands:
//
//	萌:/chat 你好     (known set prefix, then a /command)
//	/chat 你好        (bare /command)
//
// Prefixes are user-chosen strings with no reserved delimiter, so matching
// tries them longest-first: with prefixes "cute" and "cuteplus" configured,
// "cuteplus:/x" must never match "cute".
package parser

import (
	"regexp"
	"sort"
	"strings"
)

var commandRE = regexp.MustCompile(`^(/\S+)(.*)$`)

// Parsed is the result of parsing one line.
type Parsed struct {
	Raw     string // trimmed input
	Prefix  string // matched set prefix, "" if none
	Command string // "/name" token, "" when not a command
	Args    string // trimmed remainder after the command
	Body    string // command + args exactly as written, prefix stripped

	IsCommand bool
}

// FullCommand returns the command with its prefix, for display.
func (p Parsed) FullCommand() string {
	if p.Prefix != "" {
		return p.Prefix + ":" + p.Command
	}
	return p.Command
}

// Parser matches lines against the configured set prefixes.
type Parser struct {
	prefixes []string // longest-first
}

// New builds a Parser over the given prefixes. The slice is copied and
// sorted longest-first; order of equal-length prefixes is lexicographic.
func New(prefixes []string) *Parser {
	ps := append([]string(nil), prefixes...)
	sort.SliceStable(ps, func(i, j int) bool {
		if len(ps[i]) != len(ps[j]) {
			return len(ps[i]) > len(ps[j])
		}
		return ps[i] < ps[j]
	})
	return &Parser{prefixes: ps}
}

// Parse parses one line. Non-commands return IsCommand=false with the whole
// line in Args.
func (p *Parser) Parse(line string) Parsed {
	msg := strings.TrimSpace(line)

	for _, prefix := range p.prefixes {
		if prefix == "" || !strings.HasPrefix(msg, prefix) {
			continue
		}
		rest := msg[len(prefix):]
		// The delimiter between prefix and command is ":", whitespace, or
		// nothing at all; all three are accepted.
		if strings.HasPrefix(rest, ":") {
			rest = rest[1:]
		} else {
			rest = strings.TrimLeft(rest, " \t")
		}
		m := commandRE.FindStringSubmatch(rest)
		if m == nil {
			continue
		}
		return Parsed{
			Raw:       msg,
			Prefix:    prefix,
			Command:   m[1],
			Args:      strings.TrimSpace(m[2]),
			Body:      rest,
			IsCommand: true,
		}
	}

	if m := commandRE.FindStringSubmatch(msg); m != nil {
		return Parsed{
			Raw:       msg,
			Command:   m[1],
			Args:      strings.TrimSpace(m[2]),
			Body:      msg,
			IsCommand: true,
		}
	}

	return Parsed{Raw: msg, Args: msg, Body: msg}
}
