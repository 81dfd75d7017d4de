// Package payload holds the decrypted JSON schemas carried on DATA_*
// channels. Every kind is decoded strictly except the sync envelope, which
// keeps unknown fields for forward compatibility.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgecli/peerlink/internal/wire"
)

// Message type tags.
const (
	TypeIconRequest     = "ICON_REQUEST"
	TypeIconResponse    = "ICON_RESPONSE"
	TypeAppListRequest  = "APP_LIST_REQUEST"
	TypeAppListResponse = "APP_LIST_RESPONSE"
)

var (
	// ErrInvalid is returned for payloads that don't match their schema.
	ErrInvalid = errors.New("payload: invalid")
	// ErrUnknownHeader is returned by Decode for headers without a schema.
	ErrUnknownHeader = errors.New("payload: unknown header")
)

// Notification is a relayed OS notification.
type Notification struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	Time        int64  `json:"time"`
	IsLocked    bool   `json:"isLocked"`
}

// IconRequest asks the peer for an app icon.
type IconRequest struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Time        int64  `json:"time"`
}

// IconResponse carries a base64 icon.
type IconResponse struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	IconData    string `json:"iconData"`
	Time        int64  `json:"time"`
}

// AppListRequest asks the peer for its installed apps.
type AppListRequest struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
	Time  int64  `json:"time"`
}

// AppInfo is one entry of an app list.
type AppInfo struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
}

// AppListResponse answers an AppListRequest.
type AppListResponse struct {
	Type  string    `json:"type"`
	Scope string    `json:"scope"`
	Apps  []AppInfo `json:"apps"`
	Total int       `json:"total"`
	Time  int64     `json:"time"`
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalid)
	}
	return nil
}

func expectType(got, want string) error {
	if got != want {
		return fmt.Errorf("%w: type %q, want %q", ErrInvalid, got, want)
	}
	return nil
}

// DecodeNotification parses a DATA or DATA_JSON payload.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := decodeStrict(data, &n); err != nil {
		return Notification{}, err
	}
	if n.PackageName == "" {
		return Notification{}, fmt.Errorf("%w: missing packageName", ErrInvalid)
	}
	return n, nil
}

// DecodeIconRequest parses a DATA_ICON_REQUEST payload.
func DecodeIconRequest(data []byte) (IconRequest, error) {
	var r IconRequest
	if err := decodeStrict(data, &r); err != nil {
		return IconRequest{}, err
	}
	return r, expectType(r.Type, TypeIconRequest)
}

// DecodeIconResponse parses a DATA_ICON_RESPONSE payload.
func DecodeIconResponse(data []byte) (IconResponse, error) {
	var r IconResponse
	if err := decodeStrict(data, &r); err != nil {
		return IconResponse{}, err
	}
	return r, expectType(r.Type, TypeIconResponse)
}

// DecodeAppListRequest parses a DATA_APP_LIST_REQUEST payload.
func DecodeAppListRequest(data []byte) (AppListRequest, error) {
	var r AppListRequest
	if err := decodeStrict(data, &r); err != nil {
		return AppListRequest{}, err
	}
	return r, expectType(r.Type, TypeAppListRequest)
}

// DecodeAppListResponse parses a DATA_APP_LIST_RESPONSE payload.
func DecodeAppListResponse(data []byte) (AppListResponse, error) {
	var r AppListResponse
	if err := decodeStrict(data, &r); err != nil {
		return AppListResponse{}, err
	}
	return r, expectType(r.Type, TypeAppListResponse)
}

// Decode dispatches on header and returns one of the typed payloads.
func Decode(header string, data []byte) (any, error) {
	switch header {
	case wire.HeaderData, wire.HeaderDataJSON:
		return DecodeNotification(data)
	case wire.HeaderIconRequest:
		return DecodeIconRequest(data)
	case wire.HeaderIconResponse:
		return DecodeIconResponse(data)
	case wire.HeaderAppListRequest:
		return DecodeAppListRequest(data)
	case wire.HeaderAppListResponse:
		return DecodeAppListResponse(data)
	case wire.HeaderSync:
		return DecodeSync(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeader, header)
	}
}
