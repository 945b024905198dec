package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SteamVC/soundboard/internal/history"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/service"
	"github.com/SteamVC/soundboard/internal/session"
	"github.com/SteamVC/soundboard/internal/voice"
	"github.com/go-chi/chi/v5"
)

type roomFixture struct {
	router http.Handler
	hub    *Hub
	token  string
}

func newRoomFixture(t *testing.T, connectDelay, joinTimeout time.Duration) *roomFixture {
	t.Helper()

	tr := voice.NewLocalTransport(voice.LocalOptions{
		ClipDuration: time.Minute,
		ConnectDelay: connectDelay,
		RoomNames:    map[string]string{"r1": "Room One"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	svc := service.NewRoomService(tr, stubClips{"airhorn.mp3"}, service.Options{RoomIDs: []string{"r1"}, DefaultVolume: 0.5})
	sessions, err := session.NewService("test-secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(svc, sessions, stubClips{"airhorn.mp3"}, HubOptions{History: history.New(10)})
	tr.SetListener(hub)

	token, err := sessions.Sign(models.Identity{ID: "u1", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	h := NewRoomHandler(hub, tr, sessions, joinTimeout, nil)
	r := chi.NewRouter()
	r.Get("/api/v1/rooms", h.List)
	r.Post("/api/v1/rooms/{roomId}/join", h.Join)
	r.Post("/api/v1/rooms/{roomId}/leave", h.Leave)
	return &roomFixture{router: r, hub: hub, token: token}
}

func (f *roomFixture) do(t *testing.T, method, target string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *roomFixture) waitConnected(t *testing.T, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, statuses, _ := f.hub.Rooms()
		if statuses[0].Connected == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("room connected never became %v", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoomHandler_JoinLeave(t *testing.T) {
	t.Parallel()

	f := newRoomFixture(t, 0, time.Second)
	o := f.hub.Connect()
	drain(t, o)

	if rec := f.do(t, http.MethodPost, "/api/v1/rooms/r1/join", true); rec.Code != http.StatusOK {
		t.Fatalf("join status = %d, body %s", rec.Code, rec.Body.String())
	}
	f.waitConnected(t, true)

	rec := f.do(t, http.MethodGet, "/api/v1/rooms", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var body struct {
		Rooms []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Connected bool   `json:"connected"`
			State     string `json:"state"`
		} `json:"rooms"`
		Volume float64 `json:"volume"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Rooms) != 1 || body.Rooms[0].Name != "Room One" || !body.Rooms[0].Connected || body.Rooms[0].State != "idle" || body.Volume != 0.5 {
		t.Fatalf("unexpected rooms response %+v", body)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/rooms/r1/leave", true); rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d", rec.Code)
	}
	f.waitConnected(t, false)

	if rec := f.do(t, http.MethodPost, "/api/v1/rooms/r1/leave", true); rec.Code != http.StatusConflict {
		t.Fatalf("second leave status = %d, want 409", rec.Code)
	}

	var sawConnect, sawDisconnect bool
	for _, m := range drain(t, o) {
		if m["type"] == "status" && m["connected"] == true {
			sawConnect = true
		}
		if m["type"] == "status" && m["connected"] == false {
			sawDisconnect = true
		}
	}
	if !sawConnect || !sawDisconnect {
		t.Fatalf("status broadcasts missing: connect=%v disconnect=%v", sawConnect, sawDisconnect)
	}
}

func TestRoomHandler_Errors(t *testing.T) {
	t.Parallel()

	t.Run("requires session", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, 0, time.Second)
		if rec := f.do(t, http.MethodPost, "/api/v1/rooms/r1/join", false); rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, 0, time.Second)
		if rec := f.do(t, http.MethodPost, "/api/v1/rooms/zzz/join", true); rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("join timeout", func(t *testing.T) {
		t.Parallel()
		f := newRoomFixture(t, time.Second, 20*time.Millisecond)
		if rec := f.do(t, http.MethodPost, "/api/v1/rooms/r1/join", true); rec.Code != http.StatusGatewayTimeout {
			t.Fatalf("status = %d, want 504", rec.Code)
		}
		_, statuses, _ := f.hub.Rooms()
		if statuses[0].Connected {
			t.Fatal("room connected after timed out join")
		}
	})
}

func TestHub_PlayBeforeJoinNotification(t *testing.T) {
	t.Parallel()

	tr := voice.NewLocalTransport(voice.LocalOptions{ClipDuration: time.Minute})
	clips := stubClips{"airhorn.mp3"}
	svc := service.NewRoomService(tr, clips, service.Options{RoomIDs: []string{"r1"}, DefaultVolume: 0.5})
	sessions, err := session.NewService("test-secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(svc, sessions, clips, HubOptions{History: history.New(10)})
	tr.SetListener(hub)
	token, err := sessions.Sign(models.Identity{ID: "u1", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	o := hub.Connect()
	drain(t, o)

	// 接続は登録済みだが、通知の配送はまだ始まっていない
	if err := tr.Join(context.Background(), "r1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	hub.HandleCommand(o, []byte(`{"type":"play","name":"airhorn.mp3","token":"`+token+`"}`))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	var seen []map[string]any
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		seen = append(seen, drain(t, o)...)
		time.Sleep(20 * time.Millisecond)
	}

	statusAt, nowPlayingAt := -1, -1
	for i, m := range seen {
		if m["type"] == "status" && m["roomId"] == "r1" && m["connected"] == true && statusAt < 0 {
			statusAt = i
		}
		if m["type"] == "nowPlaying" && m["name"] == "airhorn.mp3" && nowPlayingAt < 0 {
			nowPlayingAt = i
		}
	}
	if statusAt < 0 || nowPlayingAt < 0 || statusAt > nowPlayingAt {
		t.Fatalf("observer must see connected status before nowPlaying: %v", types(seen))
	}
	if _, statuses, _ := hub.Rooms(); !statuses[0].Connected {
		t.Fatal("room should be connected")
	}
}
