// Package ui provides terminal styling for peerlink's CLI output and the
// interactive pairing prompt
package ui

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Role names what a piece of text is. Renderers pick a role and the
// palette decides how it looks.
type Role uint8

const (
	RolePlain    Role = iota
	RoleFrame         // banner borders
	RoleTitle         // banner title
	RoleCard          // pairing card borders
	RoleLabel         // "Name:", "ID:" and friends
	RoleEmphasis      // device names, table headers
	RoleKey           // fingerprints and spinner frames
	RoleOK
	RoleWarn
	RoleError
	RoleMuted
)

// SGR parameters per role. RolePlain is never wrapped.
var palette = [...][]int{
	RoleFrame:    {36},
	RoleTitle:    {1, 36},
	RoleCard:     {33},
	RoleLabel:    {2},
	RoleEmphasis: {1},
	RoleKey:      {36},
	RoleOK:       {32},
	RoleWarn:     {33},
	RoleError:    {31},
	RoleMuted:    {2},
}

// sgr builds the escape sequence for params.
func sgr(params []int) string {
	codes := make([]string, len(params))
	for i, p := range params {
		codes[i] = strconv.Itoa(p)
	}
	return "\033[" + strings.Join(codes, ";") + "m"
}

// Paint styles text for role. It returns text unchanged when color is off.
func Paint(r Role, text string) string {
	if !out.color || text == "" || int(r) >= len(palette) || len(palette[r]) == 0 {
		return text
	}
	return sgr(palette[r]) + text + "\033[0m"
}

// StateRole maps a peer table state to its role.
func StateRole(state string) Role {
	switch state {
	case "paired":
		return RoleOK
	case "rejected":
		return RoleError
	case "pending":
		return RoleWarn
	default:
		return RoleMuted
	}
}

// glyphs is a set of box drawing characters.
type glyphs struct {
	topLeft, topRight       string
	bottomLeft, bottomRight string
	horizontal, vertical    string
	teeRight, teeLeft       string
}

var box = glyphs{
	topLeft: "╭", topRight: "╮",
	bottomLeft: "╰", bottomRight: "╯",
	horizontal: "─", vertical: "│",
	teeRight: "├", teeLeft: "┤",
}

// bar repeats the horizontal glyph n times; negative n yields nothing.
func (g glyphs) bar(n int) string {
	return strings.Repeat(g.horizontal, max(n, 0))
}

// rule is a full width line between two corner glyphs.
func (g glyphs) rule(left, right string, width int) string {
	return left + g.bar(width-2) + right
}

// terminal is what stdout can do, sampled once at startup.
type terminal struct {
	tty   bool
	color bool
}

var out = detect(os.Stdout, os.Getenv)

// detect treats f as a terminal only when it is one. Color also honours
// NO_COLOR (https://no-color.org/) and TERM=dumb.
func detect(f *os.File, getenv func(string) string) terminal {
	t := terminal{tty: f != nil && term.IsTerminal(int(f.Fd()))}
	t.color = t.tty && getenv("NO_COLOR") == "" && getenv("TERM") != "dumb"
	return t
}

// IsTerminal reports whether fd is a terminal, for prompts read from stdin.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
