package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"

	"clipdeck/config"
	"clipdeck/core/auth"
	"clipdeck/core/geometry"
	"clipdeck/core/session"
	"clipdeck/core/storeclient"
	"clipdeck/db"
	"clipdeck/model"
	"clipdeck/repository"
)

type fakeObjects struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeObjects) PresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objects.test/" + key + "?expires=" + strconv.Itoa(int(expiry.Seconds())), nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return nil
}

type env struct {
	srv     *Server
	ts      *httptest.Server
	store   *repository.ProjectStore
	objects *fakeObjects
	issuer  *auth.Issuer
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	gdb, err := db.Open(sqlite.Open("file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.PresignExpiry = 10 * time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	e := &env{
		store:   repository.NewProjectStore(gdb),
		objects: &fakeObjects{},
		issuer:  auth.NewIssuer(cfg.JWTSecret, time.Hour),
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.srv = NewServer(ctx, Deps{Config: cfg, Store: e.store, Objects: e.objects, Issuer: e.issuer})
	e.ts = httptest.NewServer(e.srv.Router())
	t.Cleanup(func() {
		e.ts.Close()
		e.srv.Sessions().CloseAll()
		cancel()
		sqlDB.Close()
	})
	return e
}

func (e *env) token(t *testing.T, projectID string) string {
	t.Helper()
	tok, err := e.issuer.GenerateToken("editor", projectID)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func strPtr(s string) *string { return &s }

func (e *env) seedClip(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.Tracks.Create(ctx, &model.Track{ID: "t1", ProjectID: "p1", Kind: model.TrackKindAudio}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Assets.Create(ctx, &model.Asset{ID: "a1", ProjectID: "p1", Name: "voice.mp3", ObjectKey: "assets/p1/a1.mp3"}); err != nil {
		t.Fatal(err)
	}
	c := model.Clip{ID: "c1", TrackID: "t1", AssetID: strPtr("a1"), Kind: model.TrackKindAudio,
		SourceEndMs: 1000, TimelineEndMs: 1000, AssetDurationMs: 30000, Volume: 1, Speed: 1}
	if err := e.store.Clips.Save(ctx, &c); err != nil {
		t.Fatal(err)
	}
}

func TestAssetAPIRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	e.seedClip(t)
	client := storeclient.NewClient(e.ts.URL, e.token(t, "p1"))
	ctx := context.Background()

	created, err := client.Create(ctx, model.Asset{ProjectID: "p1", Name: "music.mp3", MimeType: "audio/mpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("server should assign an id")
	}

	list, err := client.List(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("assets = %+v", list)
	}

	u, err := client.ResolveURL(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := "https://objects.test/assets/p1/" + created.ID + ".mp3?expires=600"
	if u != want {
		t.Errorf("url = %q, want %q", u, want)
	}

	if err := client.Delete(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if len(e.objects.removed) != 1 || e.objects.removed[0] != "assets/p1/a1.mp3" {
		t.Errorf("removed objects = %v", e.objects.removed)
	}
	c, _ := e.store.Clips.GetByID(ctx, "c1")
	if c == nil || !c.Missing {
		t.Errorf("clip after asset delete = %+v", c)
	}
	if _, err := client.ResolveURL(ctx, "a1"); !errors.Is(err, storeclient.ErrNotFound) {
		t.Errorf("resolve deleted asset err = %v", err)
	}
	if err := client.Delete(ctx, "a1"); !errors.Is(err, storeclient.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestAssetURLBillingOutage(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.BillingOutage = true })
	e.seedClip(t)
	client := storeclient.NewClient(e.ts.URL, e.token(t, ""))

	_, err := client.ResolveURL(context.Background(), "a1")
	var degraded *storeclient.DegradedError
	if !errors.As(err, &degraded) {
		t.Fatalf("err = %v, want DegradedError", err)
	}
	if degraded.Status != http.StatusServiceUnavailable || degraded.Code != storeclient.BillingOutageCode {
		t.Errorf("degraded = %+v", degraded)
	}
}

func TestAuthAndProjectScope(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/assets?projectId=p1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/assets?projectId=p1", nil)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "p2"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign project status = %d", resp.StatusCode)
	}

	for _, path := range []string{"/assets", "/assets/a1/url", "/assets/a1", "/projects/p1/timeline"} {
		req, _ = http.NewRequest(http.MethodOptions, e.ts.URL+path, nil)
		req.Header.Set("Origin", "http://editor.test")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		req.Header.Set("Access-Control-Request-Headers", "Authorization")
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("preflight %s status = %d, want 200", path, resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("preflight %s: CORS headers missing", path)
		}
		if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Authorization") {
			t.Errorf("preflight %s allow headers = %q", path, resp.Header.Get("Access-Control-Allow-Headers"))
		}
	}
}

func TestTimelineHandler(t *testing.T) {
	e := newEnv(t, nil)
	e.seedClip(t)

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/projects/p1/timeline", nil)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "p1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Tracks []model.Track `json:"tracks"`
		Clips  []model.Clip  `json:"clips"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tracks) != 1 || len(body.Clips) != 1 || body.Clips[0].TimelineEndMs != 1000 {
		t.Errorf("timeline = %+v", body)
	}
}

func dialSession(t *testing.T, e *env, projectID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/sessions/" + projectID + "/ws?token=" + e.token(t, projectID)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ MessageType, data interface{}) {
	t.Helper()
	msg := WSMessage{Type: typ}
	if data != nil {
		raw, _ := json.Marshal(data)
		msg.Data = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(WSMessage) bool) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestSessionWebSocketPlayback(t *testing.T) {
	e := newEnv(t, nil)
	e.seedClip(t)
	conn := dialSession(t, e, "p1")

	first := readUntil(t, conn, func(m WSMessage) bool { return m.Type == MsgTypeState })
	var ev session.Event
	_ = json.Unmarshal(first.Data, &ev)
	if ev.Clock.DurationMs != 6000 {
		t.Errorf("duration = %d, want 1000 + padding", ev.Clock.DurationMs)
	}

	send(t, conn, MsgTypePlay, nil)
	readUntil(t, conn, func(m WSMessage) bool {
		if m.Type != MsgTypeState {
			return false
		}
		var ev session.Event
		_ = json.Unmarshal(m.Data, &ev)
		return ev.Clock.Playing && ev.Clock.Time > 0 && ev.Bound == 1
	})

	send(t, conn, "bogus", nil)
	readUntil(t, conn, func(m WSMessage) bool { return m.Type == MsgTypeError })

	if e.srv.Sessions().Count() != 1 {
		t.Errorf("sessions = %d", e.srv.Sessions().Count())
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for e.srv.Sessions().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionWebSocketDragPersists(t *testing.T) {
	e := newEnv(t, nil)
	e.seedClip(t)
	conn := dialSession(t, e, "p1")
	defer conn.Close()
	readUntil(t, conn, func(m WSMessage) bool { return m.Type == MsgTypeState })

	send(t, conn, MsgTypeDragBegin, DragData{ClipID: "c1", Mode: "move", X: 50})
	send(t, conn, MsgTypeDragMove, DragData{X: 250})
	send(t, conn, MsgTypeDragEnd, nil)

	msg := readUntil(t, conn, func(m WSMessage) bool {
		if m.Type != MsgTypeSelection {
			return false
		}
		var ev geometry.SelectionEvent
		_ = json.Unmarshal(m.Data, &ev)
		return ev.Kind == geometry.SelectionCommitted
	})
	var ev geometry.SelectionEvent
	_ = json.Unmarshal(msg.Data, &ev)
	if ev.Placement.StartMs != 2000 || ev.Placement.EndMs != 3000 {
		t.Errorf("committed placement = %+v", ev.Placement)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		c, _ := e.store.Clips.GetByID(context.Background(), "c1")
		if c != nil && c.TimelineStartMs == 2000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("placement not persisted: %+v", c)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]geometry.Mode{
		"move":         geometry.ModeMove,
		"resize_start": geometry.ModeResizeStart,
		"resize_end":   geometry.ModeResizeEnd,
		"":             geometry.ModeMove,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}
