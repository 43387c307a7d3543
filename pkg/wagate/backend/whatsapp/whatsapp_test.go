package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/media"
)

type recorder struct {
	mu     sync.Mutex
	events []backend.Event
}

func (r *recorder) handle(ev backend.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []backend.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]backend.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c := New(Config{SessionsDir: t.TempDir()}, "alice", logger)
	rec := &recorder{}
	c.Subscribe(rec.handle)
	return c, rec
}

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		c := New(Config{}, "alice", nil)
		assert.Equal(t, "wagate", c.cfg.DeviceName)
		assert.Equal(t, filepath.Join("data", "sessions", "session-alice"), filepath.Clean(c.dir))
		assert.NotNil(t, c.logger)
	})

	t.Run("factory rejects path-like ids", func(t *testing.T) {
		factory := NewFactory(DefaultConfig(), nil)
		_, err := factory("../etc")
		assert.Error(t, err)
		_, err = factory("..")
		assert.Error(t, err)

		client, err := factory("bob")
		require.NoError(t, err)
		assert.IsType(t, &Client{}, client)
	})
}

func TestHandleQRItem(t *testing.T) {
	c, rec := newTestClient(t)

	assert.False(t, c.handleQRItem(whatsmeow.QRChannelItem{Event: "code", Code: "2@first"}))
	assert.False(t, c.handleQRItem(whatsmeow.QRChannelItem{Event: "code", Code: "2@second"}))
	assert.True(t, c.handleQRItem(whatsmeow.QRChannelItem{Event: "success"}))

	assert.Equal(t, []backend.EventKind{
		backend.EventLoginCode, backend.EventLoginCode, backend.EventAuthenticated,
	}, rec.kinds())
	assert.Equal(t, "2@second", rec.events[1].Code)
	assert.True(t, c.ready.Load())
}

func TestHandleQRItem_Failures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		c, rec := newTestClient(t)
		assert.True(t, c.handleQRItem(whatsmeow.QRChannelItem{Event: "timeout"}))
		assert.Equal(t, []backend.EventKind{backend.EventAuthFailure}, rec.kinds())
	})

	t.Run("error", func(t *testing.T) {
		c, rec := newTestClient(t)
		boom := errors.New("boom")
		assert.True(t, c.handleQRItem(whatsmeow.QRChannelItem{Event: "error", Error: boom}))
		require.Len(t, rec.events, 1)
		assert.Equal(t, backend.EventAuthFailure, rec.events[0].Kind)
		assert.ErrorIs(t, rec.events[0].Err, boom)
	})
}

func TestHandleEvent_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		events []interface{}
		want   []backend.EventKind
		ready  bool
	}{
		{
			name:   "connected",
			events: []interface{}{&events.Connected{}},
			want:   []backend.EventKind{backend.EventReady},
			ready:  true,
		},
		{
			name:   "pair success",
			events: []interface{}{&events.PairSuccess{ID: types.NewJID("15551234567", types.DefaultUserServer)}},
			want:   []backend.EventKind{backend.EventAuthenticated},
			ready:  true,
		},
		{
			name:   "transient drop is absorbed",
			events: []interface{}{&events.Connected{}, &events.Disconnected{}},
			want:   []backend.EventKind{backend.EventReady},
			ready:  false,
		},
		{
			name:   "reconnect reopens the gate",
			events: []interface{}{&events.Connected{}, &events.Disconnected{}, &events.Connected{}},
			want:   []backend.EventKind{backend.EventReady, backend.EventReady},
			ready:  true,
		},
		{
			name:   "logout after ready disconnects",
			events: []interface{}{&events.Connected{}, &events.LoggedOut{}},
			want:   []backend.EventKind{backend.EventReady, backend.EventDisconnected},
		},
		{
			name:   "logout before ready is an auth failure",
			events: []interface{}{&events.LoggedOut{OnConnect: true}},
			want:   []backend.EventKind{backend.EventAuthFailure},
		},
		{
			name:   "stream replaced",
			events: []interface{}{&events.Connected{}, &events.StreamReplaced{}},
			want:   []backend.EventKind{backend.EventReady, backend.EventDisconnected},
		},
		{
			name:   "client outdated before ready",
			events: []interface{}{&events.ClientOutdated{}},
			want:   []backend.EventKind{backend.EventAuthFailure},
		},
		{
			name:   "nothing after a terminal event",
			events: []interface{}{&events.Connected{}, &events.StreamReplaced{}, &events.Connected{}, &events.LoggedOut{}},
			want:   []backend.EventKind{backend.EventReady, backend.EventDisconnected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestClient(t)
			for _, evt := range tt.events {
				c.handleEvent(evt)
			}
			assert.Equal(t, tt.want, rec.kinds())
			assert.Equal(t, tt.ready, c.ready.Load())
		})
	}
}

func TestSendGate(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	to := backend.NormalizeAddress("+15551234567", "")

	var nc *backend.NotConnectedError
	require.ErrorAs(t, c.SendText(ctx, to, "hi"), &nc)
	require.ErrorAs(t, c.SendMedia(ctx, to, &media.Media{MimeType: "image/png", Data: []byte{1}}), &nc)

	// Ready without an initialized whatsmeow client still refuses.
	c.handleEvent(&events.Connected{})
	require.ErrorAs(t, c.SendText(ctx, to, "hi"), &nc)
}

func TestShutdownAndPurge(t *testing.T) {
	c, rec := newTestClient(t)
	require.NoError(t, os.MkdirAll(c.dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "whatsapp.db"), []byte("x"), 0600))

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())

	c.handleEvent(&events.Connected{})
	assert.Empty(t, rec.kinds(), "no events after shutdown")

	assert.Error(t, c.Start(context.Background()), "a shut down client cannot start")

	require.NoError(t, c.Purge(context.Background()))
	_, err := os.Stat(c.dir)
	assert.True(t, os.IsNotExist(err))
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("15551234567@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", jid.User)

	jid, err = parseJID("+1 (555) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, types.NewJID("15551234567", types.DefaultUserServer), jid)

	jid, err = parseJID("120363025246125244@g.us")
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, jid.Server)

	_, err = parseJID("")
	assert.Error(t, err)
	_, err = parseJID("abc")
	assert.Error(t, err)
}
