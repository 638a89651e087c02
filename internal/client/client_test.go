package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"logtail/internal/api"
	"logtail/internal/client"
)

func TestNewEmptyBind(t *testing.T) {
	c, err := client.New("")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil client for empty bind")
	}
	if _, err := c.Status(context.Background()); !errors.Is(err, client.ErrAPIUnavailable) {
		t.Fatalf("expected unavailable from nil client, got %v", err)
	}
}

func TestViewBuildsQueryAndDecodes(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.NewLinesResponse("app.log", []string{"a", "b"}))
	}))
	defer srv.Close()

	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	resp, err := c.View(context.Background(), "app.log", 50, "ERROR|WARN")
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
	if gotPath != api.PathView {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery.Get("file") != "app.log" || gotQuery.Get("limit") != "50" || gotQuery.Get("grep") != "ERROR|WARN" {
		t.Fatalf("unexpected query %v", gotQuery)
	}
	if gotAgent != "logtail-client" {
		t.Fatalf("unexpected user agent %q", gotAgent)
	}
	if resp.Count != 2 || resp.Lines[1] != "b" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestFilesPagination(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(api.FileListResponse{Page: 2, Size: 5, Total: 11})
	}))
	defer srv.Close()

	c, _ := client.New(strings.TrimPrefix(srv.URL, "http://"))
	page, err := c.Files(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("Files error: %v", err)
	}
	if gotQuery.Get("page") != "2" || gotQuery.Get("size") != "5" || page.Total != 11 {
		t.Fatalf("unexpected exchange %v / %+v", gotQuery, page)
	}
	if _, err := c.Files(context.Background(), 0, 0); err != nil {
		t.Fatalf("Files error: %v", err)
	}
	if len(gotQuery) != 0 {
		t.Fatalf("unpaged listing should send no query, got %v", gotQuery)
	}
}

func TestErrorStatusDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "invalid file name"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	_, err := c.Search(context.Background(), "../x", "a", 0)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "invalid file name" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDownloadCopiesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.PathDownload+"old.log.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("raw-bytes"))
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "old.log.gz", &buf)
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	if n != 9 || buf.String() != "raw-bytes" {
		t.Fatalf("unexpected download %d %q", n, buf.String())
	}
}

func TestIsAPIUnavailable(t *testing.T) {
	c, _ := client.New("127.0.0.1:1")
	_, err := c.Status(context.Background())
	if !client.IsAPIUnavailable(err) {
		t.Fatalf("expected connection failure to be unavailable, got %v", err)
	}
	if client.IsAPIUnavailable(&client.APIError{Status: 500}) {
		t.Fatal("HTTP errors are not unavailability")
	}
}

func TestStreamReadsUntilServerCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, line := range []string{"hello", "x [ERROR] one", "bye"} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(line))
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	var lines []string
	err := c.Stream(context.Background(), client.StreamQuery{File: "app.log", Level: "error", FromStart: true}, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if strings.Join(lines, "|") != "hello|x [ERROR] one|bye" {
		t.Fatalf("unexpected lines %q", lines)
	}
	if gotQuery.Get("file") != "app.log" || gotQuery.Get("level") != "error" || gotQuery.Get("from_start") != "true" {
		t.Fatalf("unexpected query %v", gotQuery)
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Stream(ctx, client.StreamQuery{File: "app.log"}, func(line string) { got <- line })
	}()
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no greeting")
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestStreamHandshakeErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "file not found: nope.log"})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)
	err := c.Stream(context.Background(), client.StreamQuery{File: "nope.log"}, nil)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
