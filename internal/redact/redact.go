// Package redact scrubs key material and ciphertext from log output
package redact

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Long base64 runs: public keys, shared secrets and ciphertext. A uuid
	// has dashes and never matches.
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

	// Protocol lines keep their prefix and uuid.
	wireLine = regexp.MustCompile(`\b(HANDSHAKE|ACCEPT|HEARTBEAT|DATA[A-Z_]*):([0-9a-fA-F-]{8,}):[^\s"]+`)

	// Replacement text
	redactedText = "[REDACTED]"
)

// RedactSecrets redacts key material and payloads from text
func RedactSecrets(text string) string {
	result := wireLine.ReplaceAllString(text, "$1:$2:"+redactedText)
	return base64Run.ReplaceAllString(result, redactedText)
}

// ContainsSecret checks if text contains something RedactSecrets would hide
func ContainsSecret(text string) bool {
	return wireLine.MatchString(text) || base64Run.MatchString(text)
}

// Hook is a logrus hook applying RedactSecrets to messages and string fields.
type Hook struct{}

// Levels implements logrus.Hook.
func (Hook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (Hook) Fire(e *logrus.Entry) error {
	e.Message = RedactSecrets(e.Message)
	for k, v := range e.Data {
		switch v := v.(type) {
		case string:
			if ContainsSecret(v) {
				e.Data[k] = RedactSecrets(v)
			}
		case []byte:
			e.Data[k] = redactedText
		case error:
			if s := v.Error(); ContainsSecret(s) {
				e.Data[k] = RedactSecrets(s)
			}
		}
	}
	return nil
}

// RedactPath hides the user name in home directory paths
func RedactPath(path string) string {
	for _, home := range []string{"/Users/", "/home/"} {
		if i := strings.Index(path, home); i >= 0 {
			rest := path[i+len(home):]
			if j := strings.IndexByte(rest, '/'); j > 0 {
				path = path[:i+len(home)] + "[USER]" + rest[j:]
			}
		}
	}
	return path
}
