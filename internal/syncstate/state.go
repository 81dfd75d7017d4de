// Package syncstate implements the differential state sync used for
// payloads that change quickly, like a live progress value. Producers send
// one full packet and then only deltas; consumers merge them per source.
package syncstate

import (
	"maps"
	"sort"

	"github.com/edgecli/peerlink/internal/payload"
)

// State is the merged view of one source.
type State struct {
	Title         string            `json:"title"`
	Text          string            `json:"text"`
	RenderSpecRaw string            `json:"renderSpecRaw"`
	Pictures      map[string]string `json:"pictures,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.Pictures = maps.Clone(s.Pictures)
	return s
}

// Equal compares by value; nil and empty picture maps are equal.
func (s State) Equal(o State) bool {
	if s.Title != o.Title || s.Text != o.Text || s.RenderSpecRaw != o.RenderSpecRaw {
		return false
	}
	return len(s.Pictures) == len(o.Pictures) && maps.Equal(s.Pictures, o.Pictures)
}

// Delta holds only changed fields. A nil pointer means unchanged.
type Delta struct {
	Title           *string
	Text            *string
	RenderSpecRaw   *string
	Pictures        map[string]string
	PicturesRemoved []string
}

// IsEmpty reports whether d changes nothing.
func (d Delta) IsEmpty() bool {
	return d.Title == nil && d.Text == nil && d.RenderSpecRaw == nil &&
		len(d.Pictures) == 0 && len(d.PicturesRemoved) == 0
}

func changed(old, cur string) *string {
	if old == cur {
		return nil
	}
	return &cur
}

// Diff returns the fields that differ from old to cur. It is pure and
// Diff(x, x) is always empty.
func Diff(old, cur State) Delta {
	d := Delta{
		Title:         changed(old.Title, cur.Title),
		Text:          changed(old.Text, cur.Text),
		RenderSpecRaw: changed(old.RenderSpecRaw, cur.RenderSpecRaw),
	}
	for k, v := range cur.Pictures {
		if ov, ok := old.Pictures[k]; !ok || ov != v {
			if d.Pictures == nil {
				d.Pictures = make(map[string]string)
			}
			d.Pictures[k] = v
		}
	}
	for k := range old.Pictures {
		if _, ok := cur.Pictures[k]; !ok {
			d.PicturesRemoved = append(d.PicturesRemoved, k)
		}
	}
	sort.Strings(d.PicturesRemoved)
	return d
}

// Merge applies d to s without mutating s. Pictures are overlaid: new keys
// overwrite, removed keys are deleted, the rest are kept.
func Merge(s State, d Delta) State {
	out := s.Clone()
	if d.Title != nil {
		out.Title = *d.Title
	}
	if d.Text != nil {
		out.Text = *d.Text
	}
	if d.RenderSpecRaw != nil {
		out.RenderSpecRaw = *d.RenderSpecRaw
	}
	if len(d.Pictures) > 0 && out.Pictures == nil {
		out.Pictures = make(map[string]string, len(d.Pictures))
	}
	for k, v := range d.Pictures {
		out.Pictures[k] = v
	}
	for _, k := range d.PicturesRemoved {
		delete(out.Pictures, k)
	}
	return out
}

// FromFields builds a complete state from a full packet's fields.
func FromFields(f payload.SyncFields) State {
	var s State
	if f.Title != nil {
		s.Title = *f.Title
	}
	if f.Text != nil {
		s.Text = *f.Text
	}
	if f.RenderSpecRaw != nil {
		s.RenderSpecRaw = *f.RenderSpecRaw
	}
	s.Pictures = maps.Clone(f.Pictures)
	return s
}

// DeltaOf extracts the delta carried by p.
func DeltaOf(p payload.SyncPacket) Delta {
	f := p.Fields()
	return Delta{
		Title:           f.Title,
		Text:            f.Text,
		RenderSpecRaw:   f.RenderSpecRaw,
		Pictures:        maps.Clone(f.Pictures),
		PicturesRemoved: p.PicturesRemoved,
	}
}

// Fields is the wire form of d.
func (d Delta) Fields() *payload.SyncFields {
	return &payload.SyncFields{
		Title:         d.Title,
		Text:          d.Text,
		RenderSpecRaw: d.RenderSpecRaw,
		Pictures:      d.Pictures,
	}
}

// Fields is the wire form of a full state.
func (s State) Fields() payload.SyncFields {
	return payload.SyncFields{
		Title:         payload.String(s.Title),
		Text:          payload.String(s.Text),
		RenderSpecRaw: payload.String(s.RenderSpecRaw),
		Pictures:      maps.Clone(s.Pictures),
	}
}
