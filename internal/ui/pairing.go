package ui

import (
	"fmt"
	"strings"
)

// PairingCardOptions describes an inbound pairing request
type PairingCardOptions struct {
	DisplayName string
	UUID        string
	RemoteIP    string
	Fingerprint string
	Timeout     string // e.g. "60s"
}

const cardWidth = 64

// cardLine renders "│ label value      │" padded to the card width.
func cardLine(label, value string) string {
	var sb strings.Builder
	value = truncate(value, cardWidth-6-len(label))
	sb.WriteString(Paint(RoleCard, box.vertical))
	sb.WriteString(" ")
	sb.WriteString(Paint(RoleLabel, label))
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString(strings.Repeat(" ", max(cardWidth-4-len(label)-visibleLength(value), 0)))
	sb.WriteString(Paint(RoleCard, box.vertical))
	sb.WriteString("\n")
	return sb.String()
}

// RenderPairingCard displays the styled pairing request card
func RenderPairingCard(opts PairingCardOptions) string {
	var sb strings.Builder

	title := " Pairing Request "
	sb.WriteString("\n")
	sb.WriteString(Paint(RoleCard, box.topLeft+box.bar(2)+title+box.bar(cardWidth-4-len(title))+box.topRight))
	sb.WriteString("\n")

	name := opts.DisplayName
	if name == "" {
		name = "(unknown device)"
	}
	sb.WriteString(cardLine("Device:", Paint(RoleEmphasis, name)))
	sb.WriteString(cardLine("ID:", opts.UUID))
	if opts.RemoteIP != "" {
		sb.WriteString(cardLine("Address:", opts.RemoteIP))
	}
	if opts.Fingerprint != "" {
		sb.WriteString(cardLine("Key:", Paint(RoleKey, opts.Fingerprint)))
	}

	sb.WriteString(Paint(RoleCard, box.rule(box.teeRight, box.teeLeft, cardWidth)))
	sb.WriteString("\n")
	note := "Accepting lets this device send you notifications and data."
	if opts.Timeout != "" {
		note += " Rejects automatically after " + opts.Timeout + "."
	}
	for _, line := range wrapText(note, cardWidth-4) {
		sb.WriteString(Paint(RoleCard, box.vertical))
		sb.WriteString(" ")
		sb.WriteString(line)
		sb.WriteString(strings.Repeat(" ", max(cardWidth-3-len(line), 0)))
		sb.WriteString(Paint(RoleCard, box.vertical))
		sb.WriteString("\n")
	}

	sb.WriteString(Paint(RoleCard, box.rule(box.bottomLeft, box.bottomRight, cardWidth)))
	sb.WriteString("\n")
	return sb.String()
}

// RenderPairingOptions displays the accept/reject menu
func RenderPairingOptions() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %s Accept\n", Paint(RoleOK, "[y]")))
	sb.WriteString(fmt.Sprintf("  %s Reject and remember\n", Paint(RoleError, "[n]")))
	return sb.String()
}

// RenderPairingPrompt is the input prompt for the pairing card
func RenderPairingPrompt() string {
	return "Pair with this device? [y/N]: "
}

// truncate shortens a string if it exceeds maxLen
func truncate(s string, maxLen int) string {
	if maxLen <= 3 || visibleLength(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// wrapText wraps text to fit within the specified width
func wrapText(s string, width int) []string {
	if width <= 0 {
		return []string{s}
	}

	var lines []string
	var current string
	for _, word := range strings.Fields(s) {
		if len(current)+len(word)+1 > width {
			if current != "" {
				lines = append(lines, current)
			}
			current = word
			continue
		}
		if current != "" {
			current += " "
		}
		current += word
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}
