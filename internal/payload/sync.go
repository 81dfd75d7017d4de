package payload

import (
	"encoding/json"
	"fmt"
)

// SyncType is the kind of a differential sync packet.
type SyncType string

const (
	SyncFull  SyncType = "full"
	SyncDelta SyncType = "delta"
	SyncEnd   SyncType = "end"
)

// SyncFields are the optional state fields of a sync packet. A nil pointer
// means unchanged; a pointer to "" is an explicit clear.
type SyncFields struct {
	Title         *string           `json:"title,omitempty"`
	Text          *string           `json:"text,omitempty"`
	RenderSpecRaw *string           `json:"renderSpecRaw,omitempty"`
	Pictures      map[string]string `json:"pictures,omitempty"`
}

// Overlay returns f with every field set in o replacing its counterpart.
func (f SyncFields) Overlay(o *SyncFields) SyncFields {
	if o == nil {
		return f
	}
	if o.Title != nil {
		f.Title = o.Title
	}
	if o.Text != nil {
		f.Text = o.Text
	}
	if o.RenderSpecRaw != nil {
		f.RenderSpecRaw = o.RenderSpecRaw
	}
	if len(o.Pictures) > 0 {
		merged := make(map[string]string, len(f.Pictures)+len(o.Pictures))
		for k, v := range f.Pictures {
			merged[k] = v
		}
		for k, v := range o.Pictures {
			merged[k] = v
		}
		f.Pictures = merged
	}
	return f
}

// SyncPacket is the DATA_SYNC envelope. Unknown top-level fields are kept
// in Extra and written back on marshal.
type SyncPacket struct {
	Type        SyncType `json:"type"`
	PackageName string   `json:"packageName"`
	AppName     string   `json:"appName,omitempty"`
	Time        int64    `json:"time"`
	SyncFields
	Changes         *SyncFields `json:"changes,omitempty"`
	PicturesRemoved []string    `json:"picturesRemoved,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Fields returns the effective fields: top level overlaid by changes.
func (p SyncPacket) Fields() SyncFields {
	return p.SyncFields.Overlay(p.Changes)
}

// syncPacket drops the methods so encoding/json doesn't recurse.
type syncPacket SyncPacket

var knownSyncKeys = map[string]struct{}{
	"type": {}, "packageName": {}, "appName": {}, "time": {},
	"title": {}, "text": {}, "renderSpecRaw": {}, "pictures": {},
	"changes": {}, "picturesRemoved": {},
}

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (p *SyncPacket) UnmarshalJSON(data []byte) error {
	var sp syncPacket
	if err := json.Unmarshal(data, &sp); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range knownSyncKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		sp.Extra = all
	} else {
		sp.Extra = nil
	}
	*p = SyncPacket(sp)
	return nil
}

// MarshalJSON encodes the packet including Extra.
func (p SyncPacket) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(syncPacket(p))
	if err != nil || len(p.Extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, known := knownSyncKeys[k]; !known {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// DecodeSync parses and validates a DATA_SYNC payload.
func DecodeSync(data []byte) (SyncPacket, error) {
	var p SyncPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return SyncPacket{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch p.Type {
	case SyncFull, SyncDelta, SyncEnd:
	default:
		return SyncPacket{}, fmt.Errorf("%w: sync type %q", ErrInvalid, p.Type)
	}
	if p.PackageName == "" {
		return SyncPacket{}, fmt.Errorf("%w: missing packageName", ErrInvalid)
	}
	return p, nil
}

// String returns a pointer to s, for building SyncFields.
func String(s string) *string { return &s }
