package ui

import (
	"fmt"
	"strings"
	"time"
)

// BannerOptions is what the run command prints on startup
type BannerOptions struct {
	Version     string
	DisplayName string
	UUID        string
	ListenAddr  string
	Stealth     bool
	FeedAddr    string
}

// RenderBanner displays the startup panel
func RenderBanner(opts BannerOptions) string {
	width := 64
	var sb strings.Builder

	title := fmt.Sprintf(" peerlink v%s ", opts.Version)
	sb.WriteString(Paint(RoleFrame, box.topLeft+box.bar(3)))
	sb.WriteString(Paint(RoleTitle, title))
	sb.WriteString(Paint(RoleFrame, box.bar(width-5-len(title))+box.topRight))
	sb.WriteString("\n")

	sb.WriteString(formatInfoLine("Name", opts.DisplayName, width))
	sb.WriteString(formatInfoLine("ID", opts.UUID, width))
	sb.WriteString(formatInfoLine("Listening", opts.ListenAddr, width))
	discovery := "broadcasting"
	if opts.Stealth {
		discovery = "stealth (listen only)"
	}
	sb.WriteString(formatInfoLine("Discovery", discovery, width))
	if opts.FeedAddr != "" {
		sb.WriteString(formatInfoLine("Feed", "ws://"+opts.FeedAddr+"/ws", width))
	}

	sb.WriteString(Paint(RoleFrame, box.rule(box.bottomLeft, box.bottomRight, width)))
	sb.WriteString("\n")
	return sb.String()
}

func formatInfoLine(label, value string, width int) string {
	var sb strings.Builder

	value = truncate(value, width-6-len(label))
	padding := width - 5 - len(label) - visibleLength(value)

	sb.WriteString(Paint(RoleFrame, box.vertical))
	sb.WriteString(" ")
	sb.WriteString(Paint(RoleLabel, label+":"))
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString(strings.Repeat(" ", max(padding, 0)))
	sb.WriteString(Paint(RoleFrame, box.vertical))
	sb.WriteString("\n")
	return sb.String()
}

// visibleLength returns the visible length of a string, ignoring ANSI codes
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// PeerRow is one line of the peers table
type PeerRow struct {
	Name     string
	UUID     string
	Addr     string
	State    string // "paired", "rejected", "discovered"
	Online   bool
	LastSeen time.Time
}

// RenderPeerTable formats peers as an aligned table
func RenderPeerTable(rows []PeerRow) string {
	if len(rows) == 0 {
		return Paint(RoleMuted, "No peers.") + "\n"
	}

	nameW := len("NAME")
	for _, r := range rows {
		if len(r.Name) > nameW {
			nameW = len(r.Name)
		}
	}

	var sb strings.Builder
	sb.WriteString(Paint(RoleEmphasis, fmt.Sprintf("%-*s  %-36s  %-21s  %-10s  %s", nameW, "NAME", "ID", "ADDRESS", "STATE", "STATUS")))
	sb.WriteString("\n")
	for _, r := range rows {
		status := Paint(RoleMuted, "-")
		if r.State == "paired" {
			if r.Online {
				status = Paint(RoleOK, "online")
			} else {
				status = Paint(RoleMuted, "offline")
			}
		}
		// Pad before painting so escapes do not skew the columns.
		state := Paint(StateRole(r.State), fmt.Sprintf("%-10s", r.State))
		sb.WriteString(fmt.Sprintf("%-*s  %-36s  %-21s  %s  %s\n", nameW, r.Name, r.UUID, r.Addr, state, status))
	}
	return sb.String()
}

// RenderError formats an error message
func RenderError(err error) string {
	return Paint(RoleError, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return Paint(RoleOK, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Paint(RoleMuted, msg)
}
