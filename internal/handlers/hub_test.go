package handlers

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SteamVC/soundboard/internal/history"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/service"
	"github.com/SteamVC/soundboard/internal/session"
	"github.com/SteamVC/soundboard/internal/sounds"
	"github.com/SteamVC/soundboard/internal/voice"
)

type stubConn struct{ room string }

func (c stubConn) RoomID() string { return c.room }

type stubPlayback struct {
	id      string
	stopped bool
}

func (p *stubPlayback) ID() string        { return p.id }
func (p *stubPlayback) SetVolume(float64) {}
func (p *stubPlayback) Stop()             { p.stopped = true }

type stubTransport struct {
	connected map[string]bool
	played    []*stubPlayback
}

func (t *stubTransport) Connection(roomID string) (voice.Connection, bool) {
	if !t.connected[roomID] {
		return nil, false
	}
	return stubConn{room: roomID}, true
}

func (t *stubTransport) Play(voice.Connection, string, float64) (voice.Playback, error) {
	pb := &stubPlayback{id: fmt.Sprintf("pb-%d", len(t.played)+1)}
	t.played = append(t.played, pb)
	return pb, nil
}

func (t *stubTransport) SetListener(voice.Listener) {}

func (t *stubTransport) RoomName(roomID string) (string, bool) {
	if roomID == "r1" {
		return "Room One", true
	}
	return "", false
}

type stubClips []string

func (s stubClips) List() []string { return append([]string(nil), s...) }

func (s stubClips) Resolve(name string) (sounds.Clip, bool) {
	for _, c := range s {
		if c == name {
			return sounds.Clip{Name: c, Path: "/sounds/" + c}, true
		}
	}
	return sounds.Clip{}, false
}

type recorderStub struct{ entries []models.HistoryEntry }

func (r *recorderStub) Enqueue(e models.HistoryEntry) { r.entries = append(r.entries, e) }

type hubFixture struct {
	hub       *Hub
	transport *stubTransport
	sessions  *session.Service
	recorder  *recorderStub
	token     string
}

func newHubFixture(t *testing.T, rooms ...string) *hubFixture {
	t.Helper()

	tr := &stubTransport{connected: map[string]bool{}}
	clips := stubClips{"airhorn.mp3", "bell.wav"}
	svc := service.NewRoomService(tr, clips, service.Options{RoomIDs: rooms, DefaultVolume: 0.5})
	sessions, err := session.NewService("test-secret", nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	token, err := sessions.Sign(models.Identity{ID: "u1", Username: "alice", Discriminator: "0"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	rec := &recorderStub{}
	hub := NewHub(svc, sessions, clips, HubOptions{
		History:  history.New(2),
		Recorder: rec,
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return &hubFixture{hub: hub, transport: tr, sessions: sessions, recorder: rec, token: token}
}

// connect はトランスポートの接続と、その接続通知を再現します
func (f *hubFixture) connect(roomID string) {
	f.transport.connected[roomID] = true
	f.hub.OnConnectionChanged(roomID, true)
}

// drain は送信キューに溜まっているメッセージをすべて取り出します
func drain(t *testing.T, o *Observer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case raw := <-o.Send():
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("invalid message %s: %v", raw, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func types(msgs []map[string]any) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func command(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHub_ConnectSnapshot(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1", "r2")
	f.connect("r1")

	o := f.hub.Connect()
	msgs := drain(t, o)

	want := []string{"sounds", "rooms", "status", "nowPlaying", "status", "nowPlaying", "history", "volume"}
	got := types(msgs)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("snapshot order = %v, want %v", got, want)
	}
	rooms := msgs[1]["rooms"].([]any)
	first := rooms[0].(map[string]any)
	if first["id"] != "r1" || first["name"] != "Room One" {
		t.Fatalf("unexpected first room %v", first)
	}
	if msgs[2]["roomId"] != "r1" || msgs[2]["connected"] != true {
		t.Fatalf("unexpected status %v", msgs[2])
	}
	if msgs[3]["name"] != nil {
		t.Fatalf("nowPlaying name = %v, want null", msgs[3]["name"])
	}
	if msgs[7]["value"] != 0.5 {
		t.Fatalf("volume = %v, want 0.5", msgs[7]["value"])
	}
	if f.hub.observerCount() != 1 {
		t.Fatalf("observerCount = %d, want 1", f.hub.observerCount())
	}
}

func TestHub_PlayBroadcastsAndAcks(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1")
	f.connect("r1")
	a := f.hub.Connect()
	b := f.hub.Connect()
	drain(t, a)
	drain(t, b)

	f.hub.HandleCommand(a, command(t, map[string]any{"type": "play", "name": "airhorn.mp3", "token": f.token, "roomId": "r1"}))

	gotA := drain(t, a)
	gotB := drain(t, b)
	if fmt.Sprint(types(gotA)) != "[nowPlaying history ack]" {
		t.Fatalf("requester messages = %v", types(gotA))
	}
	if fmt.Sprint(types(gotB)) != "[nowPlaying history]" {
		t.Fatalf("other observer messages = %v", types(gotB))
	}
	if gotA[0]["name"] != "airhorn.mp3" || gotB[0]["name"] != "airhorn.mp3" {
		t.Fatalf("nowPlaying differs: %v / %v", gotA[0], gotB[0])
	}

	ack := gotA[2]
	if ack["action"] != "play" || ack["ok"] != true || ack["name"] != "airhorn.mp3" || ack["roomId"] != "r1" || ack["roomName"] != "Room One" {
		t.Fatalf("unexpected ack %v", ack)
	}
	if ack["at"] != float64(1700000000000) {
		t.Fatalf("ack at = %v", ack["at"])
	}
	user := ack["user"].(map[string]any)
	if user["id"] != "u1" || user["discriminator"] != nil {
		t.Fatalf("unexpected ack user %v", user)
	}

	entries := gotB[1]["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	entry := entries[0].(map[string]any)
	if entry["sound"] != "airhorn.mp3" || entry["roomName"] != "Room One" {
		t.Fatalf("unexpected history entry %v", entry)
	}
	if len(f.recorder.entries) != 1 || f.recorder.entries[0].Sound != "airhorn.mp3" {
		t.Fatalf("recorder entries = %+v", f.recorder.entries)
	}
}

func TestHub_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1")
	f.connect("r1")
	o := f.hub.Connect()

	for _, name := range []string{"airhorn.mp3", "bell.wav", "airhorn.mp3"} {
		f.hub.HandleCommand(o, command(t, map[string]any{"type": "play", "name": name, "token": f.token}))
	}
	msgs := drain(t, o)
	var last map[string]any
	for _, m := range msgs {
		if m["type"] == "history" {
			last = m
		}
	}
	entries := last["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("history length = %d, want 2", len(entries))
	}
	if entries[0].(map[string]any)["sound"] != "airhorn.mp3" || entries[1].(map[string]any)["sound"] != "bell.wav" {
		t.Fatalf("history not newest first: %v", entries)
	}
}

func TestHub_CommandErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		rooms     []string
		connected bool
		raw       func(token string) []byte
		wantCode  string
	}{
		{
			name:     "malformed json",
			rooms:    []string{"r1"},
			raw:      func(string) []byte { return []byte("{not json") },
			wantCode: CodeMalformedMessage,
		},
		{
			name:     "missing sound name",
			rooms:    []string{"r1"},
			raw:      func(tok string) []byte { return []byte(`{"type":"play","token":"` + tok + `"}`) },
			wantCode: CodeMalformedMessage,
		},
		{
			name:     "unknown command",
			rooms:    []string{"r1"},
			raw:      func(string) []byte { return []byte(`{"type":"dance"}`) },
			wantCode: CodeUnknownCommand,
		},
		{
			name:      "play without session",
			rooms:     []string{"r1"},
			connected: true,
			raw:       func(string) []byte { return []byte(`{"type":"play","name":"airhorn.mp3","token":"forged.token"}`) },
			wantCode:  CodeAuthenticationRequired,
		},
		{
			name:     "play while not connected",
			rooms:    []string{"r1"},
			raw:      func(tok string) []byte { return []byte(`{"type":"play","name":"airhorn.mp3","token":"` + tok + `"}`) },
			wantCode: CodeNotConnected,
		},
		{
			name:      "play unknown clip",
			rooms:     []string{"r1"},
			connected: true,
			raw:       func(tok string) []byte { return []byte(`{"type":"play","name":"nope.mp3","token":"` + tok + `"}`) },
			wantCode:  CodeClipNotFound,
		},
		{
			name:     "play with no rooms",
			raw:      func(tok string) []byte { return []byte(`{"type":"play","name":"airhorn.mp3","token":"` + tok + `"}`) },
			wantCode: CodeNoRoomsConfigured,
		},
		{
			name:     "invalid volume",
			rooms:    []string{"r1"},
			raw:      func(tok string) []byte { return []byte(`{"type":"setVolume","value":"loud","token":"` + tok + `"}`) },
			wantCode: CodeInvalidVolume,
		},
		{
			name:     "null volume",
			rooms:    []string{"r1"},
			raw:      func(tok string) []byte { return []byte(`{"type":"setVolume","value":null,"token":"` + tok + `"}`) },
			wantCode: CodeInvalidVolume,
		},
		{
			name:     "missing volume",
			rooms:    []string{"r1"},
			raw:      func(tok string) []byte { return []byte(`{"type":"setVolume","token":"` + tok + `"}`) },
			wantCode: CodeInvalidVolume,
		},
		{
			name:     "setVolume without session",
			rooms:    []string{"r1"},
			raw:      func(string) []byte { return []byte(`{"type":"setVolume","value":0.3}`) },
			wantCode: CodeAuthenticationRequired,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newHubFixture(t, tc.rooms...)
			if tc.connected {
				f.connect("r1")
			}
			requester := f.hub.Connect()
			other := f.hub.Connect()
			drain(t, requester)
			drain(t, other)

			f.hub.HandleCommand(requester, tc.raw(f.token))

			got := drain(t, requester)
			if len(got) != 1 || got[0]["type"] != "error" {
				t.Fatalf("requester messages = %v, want one error", got)
			}
			if got[0]["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %s", got[0]["code"], tc.wantCode)
			}
			if others := drain(t, other); len(others) != 0 {
				t.Fatalf("error leaked to other observer: %v", others)
			}
			if len(f.transport.played) != 0 || len(f.recorder.entries) != 0 {
				t.Fatalf("state changed on error")
			}
			if _, _, vol := f.hub.Rooms(); vol != 0.5 {
				t.Fatalf("volume changed on error: %v", vol)
			}
		})
	}
}

func TestHub_SetVolume(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1")
	a := f.hub.Connect()
	b := f.hub.Connect()
	drain(t, a)
	drain(t, b)

	f.hub.HandleCommand(a, command(t, map[string]any{"type": "setVolume", "value": "1.5", "token": f.token, "guildId": "r1"}))

	gotA := drain(t, a)
	if fmt.Sprint(types(gotA)) != "[volume ack]" {
		t.Fatalf("requester messages = %v", types(gotA))
	}
	if gotA[1]["value"] != 1.0 || gotA[1]["action"] != "setVolume" || gotA[1]["roomId"] != "r1" {
		t.Fatalf("unexpected ack %v", gotA[1])
	}
	gotB := drain(t, b)
	if len(gotB) != 1 || gotB[0]["type"] != "volume" || gotB[0]["value"] != 1.0 {
		t.Fatalf("other observer messages = %v", gotB)
	}
}

func TestHub_List(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t)
	o := f.hub.Connect()
	drain(t, o)

	f.hub.HandleCommand(o, []byte(`{"type":"list"}`))
	got := drain(t, o)
	if len(got) != 1 || got[0]["type"] != "sounds" || len(got[0]["sounds"].([]any)) != 2 {
		t.Fatalf("list reply = %v", got)
	}
}

func TestHub_TransportCallbacks(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1")
	f.connect("r1")
	o := f.hub.Connect()
	drain(t, o)

	f.hub.HandleCommand(o, command(t, map[string]any{"type": "play", "name": "airhorn.mp3", "token": f.token}))
	f.hub.HandleCommand(o, command(t, map[string]any{"type": "play", "name": "bell.wav", "token": f.token}))
	drain(t, o)

	f.hub.OnIdle("r1", "pb-1")
	if got := drain(t, o); len(got) != 0 {
		t.Fatalf("stale idle broadcast %v", got)
	}

	f.hub.OnPlaybackError("r1", "pb-2", fmt.Errorf("boom"))
	got := drain(t, o)
	if len(got) != 1 || got[0]["type"] != "error" || got[0]["code"] != CodePlaybackFailed {
		t.Fatalf("playback error broadcast = %v", got)
	}

	f.hub.OnIdle("r1", "pb-2")
	got = drain(t, o)
	if len(got) != 1 || got[0]["type"] != "nowPlaying" || got[0]["name"] != nil {
		t.Fatalf("idle broadcast = %v", got)
	}

	delete(f.transport.connected, "r1")
	f.hub.OnConnectionChanged("r1", false)
	got = drain(t, o)
	if len(got) != 1 || got[0]["type"] != "status" || got[0]["connected"] != false {
		t.Fatalf("disconnect broadcast = %v", got)
	}
}

func TestHub_Heartbeat(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1")
	live := f.hub.Connect()
	dead := f.hub.Connect()

	f.hub.sweep()
	for _, o := range []*Observer{live, dead} {
		select {
		case <-o.Ping():
		default:
			t.Fatalf("observer %s was not pinged", o.ID())
		}
	}

	live.MarkAlive()
	f.hub.sweep()

	select {
	case <-dead.Done():
	default:
		t.Fatal("unresponsive observer was not terminated")
	}
	select {
	case <-live.Done():
		t.Fatal("responsive observer was terminated")
	default:
	}
	if f.hub.observerCount() != 1 {
		t.Fatalf("observerCount = %d, want 1", f.hub.observerCount())
	}

	// 既に切断済みのオブザーバーの切断は何もしない
	f.hub.Disconnect(dead)
	f.hub.Disconnect(dead)
	if f.hub.observerCount() != 1 {
		t.Fatalf("observerCount = %d after repeated disconnect", f.hub.observerCount())
	}
}

func TestHub_BroadcastClips(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t)
	o := f.hub.Connect()
	drain(t, o)

	f.hub.BroadcastClips(nil)
	got := drain(t, o)
	if len(got) != 1 || got[0]["type"] != "sounds" {
		t.Fatalf("broadcast = %v", got)
	}
	if s, ok := got[0]["sounds"].([]any); !ok || len(s) != 0 {
		t.Fatalf("sounds = %v, want empty array", got[0]["sounds"])
	}
}

func TestHub_SetRooms(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, "r1")
	o := f.hub.Connect()
	drain(t, o)

	f.hub.SetRooms([]string{"r1", "r2"})
	got := drain(t, o)
	if fmt.Sprint(types(got)) != "[rooms status]" {
		t.Fatalf("messages = %v", types(got))
	}
	if rooms := got[0]["rooms"].([]any); len(rooms) != 2 {
		t.Fatalf("rooms = %v", rooms)
	}
	if got[1]["roomId"] != "r2" || got[1]["connected"] != false {
		t.Fatalf("status = %v", got[1])
	}
	if !f.hub.AllowsRoom("r2") || f.hub.AllowsRoom("r3") {
		t.Fatal("AllowsRoom does not follow the new room set")
	}
}

type countingCatalog struct {
	stubClips
	calls atomic.Int32
}

func (c *countingCatalog) List() []string {
	c.calls.Add(1)
	return c.stubClips.List()
}

func TestHub_SnapshotUsesCachedCatalog(t *testing.T) {
	t.Parallel()

	catalog := &countingCatalog{stubClips: stubClips{"airhorn.mp3"}}
	svc := service.NewRoomService(&stubTransport{connected: map[string]bool{}}, catalog.stubClips, service.Options{RoomIDs: []string{"r1"}})
	sessions, err := session.NewService("test-secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(svc, sessions, catalog, HubOptions{})

	first := drain(t, hub.Connect())
	drain(t, hub.Connect())
	if n := catalog.calls.Load(); n != 1 {
		t.Fatalf("List called %d times, want 1 (construction only)", n)
	}
	if s := first[0]["sounds"].([]any); len(s) != 1 || s[0] != "airhorn.mp3" {
		t.Fatalf("snapshot sounds = %v", s)
	}

	hub.BroadcastClips([]string{"airhorn.mp3", "new.ogg"})
	late := drain(t, hub.Connect())
	if s := late[0]["sounds"].([]any); len(s) != 2 || s[1] != "new.ogg" {
		t.Fatalf("snapshot after watcher update = %v", s)
	}
	if n := catalog.calls.Load(); n != 1 {
		t.Fatalf("List called %d times after BroadcastClips, want 1", n)
	}

	o := hub.Connect()
	drain(t, o)
	hub.HandleCommand(o, []byte(`{"type":"list"}`))
	if got := drain(t, o); len(got) != 1 || len(got[0]["sounds"].([]any)) != 1 {
		t.Fatalf("list reply = %v", got)
	}
	if n := catalog.calls.Load(); n != 2 {
		t.Fatalf("list command should reload the catalog, List calls = %d", n)
	}
}
