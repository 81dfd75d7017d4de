// Package wire is the one place where peerlink's colon-delimited text lines
// are parsed and formatted. Every line is newline-terminated UTF-8 and a
// TCP connection carries exactly one request line.
package wire

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Line prefixes.
const (
	PrefixHandshake = "HANDSHAKE"
	PrefixAccept    = "ACCEPT"
	PrefixReject    = "REJECT"
	PrefixHeartbeat = "HEARTBEAT"
	PrefixDiscover  = "DISCOVER"
	PrefixData      = "DATA"
)

// DATA_* channel headers.
const (
	HeaderData            = "DATA"
	HeaderDataJSON        = "DATA_JSON"
	HeaderIconRequest     = "DATA_ICON_REQUEST"
	HeaderIconResponse    = "DATA_ICON_RESPONSE"
	HeaderAppListRequest  = "DATA_APP_LIST_REQUEST"
	HeaderAppListResponse = "DATA_APP_LIST_RESPONSE"
	HeaderSync            = "DATA_SYNC"
)

// ErrMalformed is returned for lines with a known prefix but missing or
// invalid fields.
var ErrMalformed = errors.New("wire: malformed line")

// Kind identifies the logical channel of a parsed line.
type Kind int

const (
	KindUnknown Kind = iota
	KindHandshake
	KindAccept
	KindReject
	KindHeartbeat
	KindData
	KindDiscover
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAccept:
		return "accept"
	case KindReject:
		return "reject"
	case KindHeartbeat:
		return "heartbeat"
	case KindData:
		return "data"
	case KindDiscover:
		return "discover"
	default:
		return "unknown"
	}
}

// Line is a decoded wire line. Which fields are set depends on Kind.
type Line struct {
	Kind        Kind
	Header      string // exact leading token, e.g. DATA_ICON_REQUEST
	UUID        string
	KeyMaterial string
	Payload     string // base64 ciphertext for DATA lines
	DisplayName string // DISCOVER only, already unescaped
	Port        int    // DISCOVER listen port, optional on HANDSHAKE/HEARTBEAT
	Raw         string
}

// Parse decodes one line. Lines without a recognized prefix are returned as
// KindUnknown with a nil error so callers can try secondary handling.
func Parse(raw string) (Line, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Line{}, ErrMalformed
	}

	header, _, found := strings.Cut(raw, ":")
	if !found {
		return Line{Kind: KindUnknown, Raw: raw}, nil
	}
	l := Line{Header: header, Raw: raw}

	switch {
	case header == PrefixHandshake, header == PrefixHeartbeat, header == PrefixAccept:
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return Line{}, fmt.Errorf("%w: %s needs uuid and key material", ErrMalformed, header)
		}
		l.UUID, l.KeyMaterial = parts[1], parts[2]
		if len(parts) == 4 {
			// Optional listen port; older peers omit it.
			if p, err := parsePort(parts[3]); err == nil {
				l.Port = p
			}
		}
		switch header {
		case PrefixHandshake:
			l.Kind = KindHandshake
		case PrefixHeartbeat:
			l.Kind = KindHeartbeat
		default:
			l.Kind = KindAccept
		}

	case header == PrefixReject:
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || parts[1] == "" {
			return Line{}, fmt.Errorf("%w: REJECT needs uuid", ErrMalformed)
		}
		l.Kind, l.UUID = KindReject, parts[1]

	case header == PrefixDiscover:
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 || parts[1] == "" {
			return Line{}, fmt.Errorf("%w: DISCOVER needs uuid, name and port", ErrMalformed)
		}
		name, err := url.QueryUnescape(parts[2])
		if err != nil {
			return Line{}, fmt.Errorf("%w: bad display name", ErrMalformed)
		}
		port, err := parsePort(parts[3])
		if err != nil {
			return Line{}, fmt.Errorf("%w: bad port", ErrMalformed)
		}
		l.Kind, l.UUID, l.DisplayName, l.Port = KindDiscover, parts[1], name, port

	case strings.HasPrefix(header, PrefixData):
		// Max 4 fields: the ciphertext may itself contain colons.
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 || parts[1] == "" || parts[3] == "" {
			return Line{}, fmt.Errorf("%w: %s needs uuid, key material and ciphertext", ErrMalformed, header)
		}
		l.Kind, l.UUID, l.KeyMaterial, l.Payload = KindData, parts[1], parts[2], parts[3]

	default:
		l.Kind = KindUnknown
	}
	return l, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, ErrMalformed
	}
	return p, nil
}

func withPort(line string, port int) string {
	if port <= 0 {
		return line
	}
	return line + ":" + strconv.Itoa(port)
}

// FormatHandshake builds HANDSHAKE:<uuid>:<keyMaterial>[:<listenPort>].
func FormatHandshake(uuid, keyMaterial string, listenPort int) string {
	return withPort(PrefixHandshake+":"+uuid+":"+keyMaterial, listenPort)
}

// FormatAccept builds ACCEPT:<uuid>:<keyMaterial>.
func FormatAccept(uuid, keyMaterial string) string {
	return PrefixAccept + ":" + uuid + ":" + keyMaterial
}

// FormatReject builds REJECT:<uuid>.
func FormatReject(uuid string) string {
	return PrefixReject + ":" + uuid
}

// FormatHeartbeat builds HEARTBEAT:<uuid>:<keyMaterial>[:<listenPort>].
func FormatHeartbeat(uuid, keyMaterial string, listenPort int) string {
	return withPort(PrefixHeartbeat+":"+uuid+":"+keyMaterial, listenPort)
}

// FormatData builds <header>:<uuid>:<keyMaterial>:<ciphertext>.
func FormatData(header, uuid, keyMaterial, ciphertext string) string {
	return header + ":" + uuid + ":" + keyMaterial + ":" + ciphertext
}

// FormatDiscover builds DISCOVER:<uuid>:<escapedName>:<listenPort>.
func FormatDiscover(uuid, displayName string, listenPort int) string {
	return PrefixDiscover + ":" + uuid + ":" + url.QueryEscape(displayName) + ":" + strconv.Itoa(listenPort)
}
