package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Spinner displays an animated waiting indicator, used while a remote
// user decides on a pairing request
type Spinner struct {
	out       io.Writer
	message   string
	frames    []string
	interval  time.Duration
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	startTime time.Time
}

var defaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner writing to out
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		out:      out,
		message:  message,
		frames:   defaultFrames,
		interval: 80 * time.Millisecond,
	}
}

// Start begins the animation. It is a no-op when stdout is not a terminal.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running || !out.tty {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.spin()
}

func (s *Spinner) spin() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; {
		select {
		case <-s.stopCh:
			fmt.Fprint(s.out, "\r"+strings.Repeat(" ", 60)+"\r")
			return
		case <-ticker.C:
			s.mu.Lock()
			elapsed := time.Since(s.startTime)
			message := s.message
			s.mu.Unlock()

			frame := Paint(RoleKey, s.frames[i%len(s.frames)])
			if elapsed > 2*time.Second {
				fmt.Fprintf(s.out, "\r%s %s (%ds)   ", frame, message, int(elapsed.Seconds()))
			} else {
				fmt.Fprintf(s.out, "\r%s %s   ", frame, message)
			}
			i++
		}
	}
}

// Stop halts the animation and clears the line
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}
