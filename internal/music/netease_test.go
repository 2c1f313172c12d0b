package music

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/resilience"
)

const searchBody = `{"code":200,"result":{"songs":[
	{"id":1,"name":"七里香","fee":1,"artists":[{"name":"周杰伦"}]},
	{"id":2,"name":"七里香","fee":8,"artists":[{"name":"周杰伦"},{"name":"方文山"}]}
]}}`

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		SearchURL:       srv.URL + "/api/search/get/web",
		PlayURLTemplate: srv.URL + "/song/media/outer/url?id=%d.mp3",
		Timeout:         time.Second,
	}, &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}, zerolog.Nop())
}

func TestLookupSong_PrefersFreeSong(t *testing.T) {
	var gotQuery, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("s") + "|" + r.URL.Query().Get("type")
		gotAgent = r.Header.Get("User-Agent")
		fmt.Fprint(w, searchBody)
	}))
	defer srv.Close()

	song, err := newTestClient(srv).LookupSong(context.Background(), " 七里香 ")
	if err != nil {
		t.Fatalf("LookupSong failed: %v", err)
	}
	if song.ID != 2 {
		t.Errorf("Expected the free song (id 2), got %d", song.ID)
	}
	if song.Title() != "七里香 - 周杰伦, 方文山" {
		t.Errorf("Unexpected title %q", song.Title())
	}
	if gotQuery != "七里香|1" {
		t.Errorf("Unexpected query %q", gotQuery)
	}
	if gotAgent != UserAgent {
		t.Errorf("Expected browser user agent, got %q", gotAgent)
	}
}

func TestLookupSong_FallsBackToFirstResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":200,"result":{"songs":[{"id":7,"name":"晴天","fee":1,"artists":[]}]}}`)
	}))
	defer srv.Close()

	song, err := newTestClient(srv).LookupSong(context.Background(), "晴天")
	if err != nil {
		t.Fatalf("LookupSong failed: %v", err)
	}
	if song.ID != 7 || song.Title() != "晴天" {
		t.Errorf("Expected first result without artists, got %+v", song)
	}
}

func TestLookupSong_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":200,"result":{}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.LookupSong(context.Background(), "不存在的歌"); !errors.Is(err, ErrSongNotFound) {
		t.Errorf("Expected ErrSongNotFound, got %v", err)
	}
	if _, err := c.LookupSong(context.Background(), "  "); !errors.Is(err, ErrSongNotFound) {
		t.Errorf("Expected ErrSongNotFound for a blank name, got %v", err)
	}
}

func TestLookupSong_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, searchBody)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).LookupSong(context.Background(), "七里香"); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestLookupSong_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).LookupSong(context.Background(), "七里香"); err == nil {
		t.Fatal("Expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single call, got %d", calls.Load())
	}
}

func TestResolvePlayURL_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/song/media/outer/url", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "404.mp3" {
			http.Redirect(w, r, "/404", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/cdn/song.mp3", http.StatusFound)
	})
	mux.HandleFunc("/cdn/song.mp3", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/404", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	got, err := c.ResolvePlayURL(context.Background(), 2)
	if err != nil {
		t.Fatalf("ResolvePlayURL failed: %v", err)
	}
	if got != srv.URL+"/cdn/song.mp3" {
		t.Errorf("Expected redirect target, got %q", got)
	}

	if _, err := c.ResolvePlayURL(context.Background(), 404); !errors.Is(err, ErrSongNotFound) {
		t.Errorf("Expected ErrSongNotFound for the 404 redirect, got %v", err)
	}
}

func TestResolvePlayURL_UnreachableKeepsTemplate(t *testing.T) {
	c := NewClient(Config{PlayURLTemplate: "http://127.0.0.1:1/song?id=%d.mp3", Timeout: 200 * time.Millisecond}, nil, zerolog.Nop())
	got, err := c.ResolvePlayURL(context.Background(), 9)
	if err != nil {
		t.Fatalf("Expected fallback without error, got %v", err)
	}
	if got != "http://127.0.0.1:1/song?id=9.mp3" {
		t.Errorf("Unexpected url %q", got)
	}
}
