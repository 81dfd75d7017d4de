package approval

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/peerlink/internal/handshake"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseAnswer(t *testing.T) {
	tests := map[string]handshake.Decision{
		"y":       handshake.Accept,
		" YES \n": handshake.Accept,
		"1":       handshake.Accept,
		"n":       handshake.Reject,
		"":        handshake.Reject,
		"maybe":   handshake.Reject,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseAnswer(in), "%q", in)
	}
}

func request() handshake.Request {
	return handshake.Request{UUID: "2b1f6c1e", DisplayName: "Pixel", RemoteIP: "10.0.0.5", KeyMaterial: "a2V5"}
}

func TestTerminalDecider_Answer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	d := NewTerminalDecider(pr, out, time.Minute)

	ch := d.RequestDecision(context.Background(), request())
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[y/N]") }, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "Pixel")
	assert.Contains(t, out.String(), "1m0s")

	_, err := pw.Write([]byte("y\n"))
	require.NoError(t, err)

	select {
	case got, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, handshake.Accept, got)
	case <-time.After(time.Second):
		t.Fatal("no decision")
	}
}

func TestTerminalDecider_ContextEndsPrompt(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	d := NewTerminalDecider(pr, out, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	select {
	case _, ok := <-d.RequestDecision(ctx, request()):
		assert.False(t, ok, "closed without a decision")
	case <-time.After(time.Second):
		t.Fatal("prompt did not end with its context")
	}
	assert.Contains(t, out.String(), "No answer")
}

func TestTerminalDecider_EOFRejectsByClosing(t *testing.T) {
	d := NewTerminalDecider(strings.NewReader(""), io.Discard, 0)
	select {
	case _, ok := <-d.RequestDecision(context.Background(), request()):
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no result on EOF")
	}
}
