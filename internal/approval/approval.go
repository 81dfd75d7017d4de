// Package approval provides the interactive terminal prompt that decides
// inbound pairing requests
package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/edgecli/peerlink/internal/handshake"
	"github.com/edgecli/peerlink/internal/secure"
	"github.com/edgecli/peerlink/internal/ui"
)

// ParseAnswer maps a typed answer to a decision. Anything that isn't a
// clear yes rejects.
func ParseAnswer(s string) handshake.Decision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "1", "a", "accept":
		return handshake.Accept
	default:
		return handshake.Reject
	}
}

// TerminalDecider shows a pairing card and reads the answer from a line
// based input, one prompt at a time.
type TerminalDecider struct {
	out     io.Writer
	lines   chan string
	turn    chan struct{}
	timeout time.Duration
}

// NewTerminalDecider reads answers from in and writes prompts to out.
// timeout is only shown to the user; the handshake enforces it.
func NewTerminalDecider(in io.Reader, out io.Writer, timeout time.Duration) *TerminalDecider {
	d := &TerminalDecider{
		out:     out,
		lines:   make(chan string, 8),
		turn:    make(chan struct{}, 1),
		timeout: timeout,
	}
	go d.readLoop(in)
	return d
}

// readLoop owns the reader so a prompt that times out never leaves a
// blocked read behind.
func (d *TerminalDecider) readLoop(in io.Reader) {
	defer close(d.lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case d.lines <- sc.Text():
		default:
			// Too much typed ahead; drain discards it anyway.
		}
	}
}

// RequestDecision prompts for req. The channel is closed without a value
// if ctx ends or input is exhausted first.
func (d *TerminalDecider) RequestDecision(ctx context.Context, req handshake.Request) <-chan handshake.Decision {
	ch := make(chan handshake.Decision, 1)
	go func() {
		defer close(ch)

		select {
		case d.turn <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-d.turn }()

		d.drain()

		opts := ui.PairingCardOptions{
			DisplayName: req.DisplayName,
			UUID:        req.UUID,
			RemoteIP:    req.RemoteIP,
			Fingerprint: secure.Fingerprint(req.KeyMaterial),
		}
		if d.timeout > 0 {
			opts.Timeout = d.timeout.String()
		}
		fmt.Fprint(d.out, ui.RenderPairingCard(opts))
		fmt.Fprint(d.out, ui.RenderPairingOptions())
		fmt.Fprint(d.out, ui.RenderPairingPrompt())

		select {
		case line, ok := <-d.lines:
			if !ok {
				fmt.Fprintln(d.out)
				return
			}
			decision := ParseAnswer(line)
			if decision == handshake.Accept {
				fmt.Fprintln(d.out, ui.RenderSuccess("Paired."))
			} else {
				fmt.Fprintln(d.out, ui.RenderDim("Rejected."))
			}
			ch <- decision
		case <-ctx.Done():
			fmt.Fprintln(d.out)
			fmt.Fprintln(d.out, ui.RenderDim("No answer, pairing request rejected."))
		}
	}()
	return ch
}

func (d *TerminalDecider) drain() {
	for {
		select {
		case _, ok := <-d.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
