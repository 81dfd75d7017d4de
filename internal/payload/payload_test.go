package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/peerlink/internal/wire"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		data    string
		want    any
		wantErr error
	}{
		{
			name:   "notification",
			header: wire.HeaderData,
			data:   `{"packageName":"com.chat","appName":"Chat","title":"Bob","text":"hi","time":5,"isLocked":true}`,
			want:   Notification{PackageName: "com.chat", AppName: "Chat", Title: "Bob", Text: "hi", Time: 5, IsLocked: true},
		},
		{
			name:   "legacy header",
			header: wire.HeaderDataJSON,
			data:   `{"packageName":"com.chat","title":"x"}`,
			want:   Notification{PackageName: "com.chat", Title: "x"},
		},
		{
			name:    "notification with unknown field",
			header:  wire.HeaderData,
			data:    `{"packageName":"com.chat","extra":1}`,
			wantErr: ErrInvalid,
		},
		{
			name:    "notification not json",
			header:  wire.HeaderData,
			data:    `hello`,
			wantErr: ErrInvalid,
		},
		{
			name:   "icon request",
			header: wire.HeaderIconRequest,
			data:   `{"type":"ICON_REQUEST","packageName":"com.chat","time":9}`,
			want:   IconRequest{Type: TypeIconRequest, PackageName: "com.chat", Time: 9},
		},
		{
			name:    "icon request wrong type",
			header:  wire.HeaderIconRequest,
			data:    `{"type":"ICON_RESPONSE","packageName":"com.chat"}`,
			wantErr: ErrInvalid,
		},
		{
			name:   "app list response",
			header: wire.HeaderAppListResponse,
			data:   `{"type":"APP_LIST_RESPONSE","scope":"user","apps":[{"packageName":"a","appName":"A"}],"total":1,"time":3}`,
			want: AppListResponse{
				Type: TypeAppListResponse, Scope: "user", Total: 1, Time: 3,
				Apps: []AppInfo{{PackageName: "a", AppName: "A"}},
			},
		},
		{
			name:    "future header",
			header:  "DATA_FUTURE",
			data:    `{}`,
			wantErr: ErrUnknownHeader,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.header, []byte(tt.data))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSync_KeepsExtraFields(t *testing.T) {
	raw := `{"type":"delta","packageName":"com.dl","time":7,"changes":{"text":""},"picturesRemoved":["p1"],"business":{"kind":"download"}}`

	p, err := DecodeSync([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, SyncDelta, p.Type)
	require.NotNil(t, p.Fields().Text)
	assert.Equal(t, "", *p.Fields().Text, "explicit empty string is a clear")
	assert.Nil(t, p.Fields().Title)
	assert.Equal(t, []string{"p1"}, p.PicturesRemoved)
	assert.JSONEq(t, `{"kind":"download"}`, string(p.Extra["business"]))

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestDecodeSync_Invalid(t *testing.T) {
	for _, raw := range []string{
		`{"type":"partial","packageName":"a"}`,
		`{"type":"full"}`,
		`[1,2]`,
	} {
		_, err := DecodeSync([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalid, raw)
	}
}

func TestSyncFields_Overlay(t *testing.T) {
	base := SyncFields{Title: String("a"), Pictures: map[string]string{"x": "1"}}
	got := base.Overlay(&SyncFields{Text: String("b"), Pictures: map[string]string{"y": "2"}})

	assert.Equal(t, "a", *got.Title)
	assert.Equal(t, "b", *got.Text)
	assert.Equal(t, map[string]string{"x": "1", "y": "2"}, got.Pictures)
	assert.Equal(t, map[string]string{"x": "1"}, base.Pictures, "base not mutated")
}
