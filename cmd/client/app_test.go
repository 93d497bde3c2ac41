package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/gophsync/internal/config"
	"github.com/and161185/gophsync/internal/convert"
	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/session"
)

func testClientConfig(t *testing.T, serverURL string) config.Client {
	t.Helper()
	ws, err := config.DeriveWSURL(serverURL)
	require.NoError(t, err)
	return config.Client{
		ServerURL:        serverURL,
		WSURL:            ws,
		Store:            config.StoreMemory,
		TokenFile:        filepath.Join(t.TempDir(), "token.json"),
		SyncInterval:     time.Hour,
		ProbeInterval:    50 * time.Millisecond,
		ReconcileTimeout: 5 * time.Second,
		RetryAttempts:    1,
	}
}

// writeToken does what `syncd login` does to the token file.
func writeToken(t *testing.T, path, tok string) {
	t.Helper()
	s := session.New(path)
	s.SetToken(tok)
	require.NoError(t, s.Save())
}

// catalogue is a product list backend that accepts only one bearer token.
type catalogue struct {
	mu    sync.Mutex
	token string
	rows  []model.Record
	auths []string
	lists int
	last  time.Time
}

func (c *catalogue) add(r model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, r)
}

func (c *catalogue) setToken(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = tok
}

func (c *catalogue) lastAuth() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.auths) == 0 {
		return ""
	}
	return c.auths[len(c.auths)-1]
}

// quiet reports whether at least one list was served and none for d.
func (c *catalogue) quiet(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists > 0 && time.Since(c.last) > d
}

func (c *catalogue) list(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	auth := r.Header.Get("Authorization")
	c.auths = append(c.auths, auth)
	if c.token != "" && auth != "Bearer "+c.token {
		c.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	c.lists++
	c.last = time.Now()
	b, err := json.Marshal(convert.ToWireRecords(c.rows))
	c.mu.Unlock()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func TestApp_PicksUpTokenWrittenByLogin(t *testing.T) {
	cat := &catalogue{token: "new-token"}
	srv := httptest.NewServer(http.HandlerFunc(cat.list))
	defer srv.Close()

	cfg := testClientConfig(t, srv.URL)
	writeToken(t, cfg.TokenFile, "old-token")
	log := zaptest.NewLogger(t)
	a, err := newApp(cfg, log)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, "old-token", a.session.Token())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.session.Watch(ctx, log, a.tokenChanged) }()

	require.Eventually(t, func() bool {
		writeToken(t, cfg.TokenFile, "new-token")
		return a.session.Token() == "new-token"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.sync.Refresh(context.Background()))
	require.Equal(t, "Bearer new-token", cat.lastAuth())
}

func TestApp_RejectedTokenReloadsSessionFile(t *testing.T) {
	cat := &catalogue{token: "new-token"}
	cat.add(model.Record{ID: "srv-1", Title: "Desk", Price: 100})
	srv := httptest.NewServer(http.HandlerFunc(cat.list))
	defer srv.Close()

	cfg := testClientConfig(t, srv.URL)
	writeToken(t, cfg.TokenFile, "old-token")
	a, err := newApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	// no watcher: the rejection itself makes the daemon look again
	writeToken(t, cfg.TokenFile, "new-token")
	require.ErrorIs(t, a.sync.Refresh(context.Background()), errs.ErrUnauthorized)
	require.Equal(t, "Bearer old-token", cat.lastAuth())
	require.Equal(t, "new-token", a.session.Token())

	require.NoError(t, a.sync.Refresh(context.Background()))
	require.Equal(t, "Bearer new-token", cat.lastAuth())
	rows, err := a.sync.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// still rejected and nothing new on disk: the session is kept
	cat.setToken("newer-token")
	require.ErrorIs(t, a.sync.Refresh(context.Background()), errs.ErrUnauthorized)
	require.Equal(t, "new-token", a.session.Token())
}

func TestApp_ResyncsAfterLiveChannelDrop(t *testing.T) {
	cat := &catalogue{}
	cat.add(model.Record{ID: "srv-1", Title: "Desk", Price: 100})

	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api/product", cat.list)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			// let the startup syncs finish, then publish a change this
			// client never hears about and drop it as a slow consumer
			deadline := time.Now().Add(3 * time.Second)
			for !cat.quiet(300*time.Millisecond) && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
			cat.add(model.Record{ID: "srv-2", Title: "Lamp", Price: 5})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client too slow"),
				time.Now().Add(time.Second))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := newApp(testClientConfig(t, srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := a.store.Get(context.Background(), "srv-2")
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
