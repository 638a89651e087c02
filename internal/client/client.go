package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"logtail/internal/api"
)

var ErrAPIUnavailable = errors.New("log API unavailable")

const userAgent = "logtail-client"

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Message)
}

// Client talks to a running logtail daemon.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// StreamQuery selects a live stream.
type StreamQuery struct {
	File      string
	Level     string
	FromStart bool
}

// New returns a client for the daemon at bind, a host:port or URL. An empty
// bind yields a nil client.
func New(bind string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base: base,
		// No timeout - downloads and streams run until the caller cancels.
		http:   &http.Client{},
		dialer: websocket.DefaultDialer,
	}, nil
}

// Status fetches daemon and engine status.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var out api.DaemonStatus
	err := c.getJSON(ctx, api.PathStatus, nil, &out)
	return out, err
}

// Files lists log files. A non-positive size returns every file.
func (c *Client) Files(ctx context.Context, page, size int) (api.FileListResponse, error) {
	values := url.Values{}
	if size > 0 {
		values.Set("page", strconv.Itoa(page))
		values.Set("size", strconv.Itoa(size))
	}
	var out api.FileListResponse
	err := c.getJSON(ctx, api.PathFiles, values, &out)
	return out, err
}

// View returns the last limit lines of file matching grep.
func (c *Client) View(ctx context.Context, file string, limit int, grep string) (api.LinesResponse, error) {
	values := url.Values{"file": {file}}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if strings.TrimSpace(grep) != "" {
		values.Set("grep", grep)
	}
	var out api.LinesResponse
	err := c.getJSON(ctx, api.PathView, values, &out)
	return out, err
}

// Search returns the first matches of grep in file. A non-positive limit
// uses the daemon default.
func (c *Client) Search(ctx context.Context, file, grep string, limit int) (api.LinesResponse, error) {
	values := url.Values{"file": {file}, "grep": {grep}}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out api.LinesResponse
	err := c.getJSON(ctx, api.PathSearch, values, &out)
	return out, err
}

// Download copies the raw bytes of file to w.
func (c *Client) Download(ctx context.Context, file string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, api.PathDownload+url.PathEscape(file), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Stream opens a WebSocket stream and calls onLine for every line, the
// greeting and closing notices included. It returns nil when ctx ends or
// the daemon closes the stream normally.
func (c *Client) Stream(ctx context.Context, q StreamQuery, onLine func(string)) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	values := url.Values{"file": {q.File}}
	if strings.TrimSpace(q.Level) != "" {
		values.Set("level", q.Level)
	}
	if q.FromStart {
		values.Set("from_start", "true")
	}
	endpoint := c.endpoint(api.PathSocket, values)
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), c.headers())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" {
				return fmt.Errorf("stream closed: %s", closeErr.Text)
			}
			return err
		}
		if onLine != nil {
			onLine(string(msg))
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, values url.Values, out any) error {
	resp, err := c.do(ctx, path, values)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, path string, values url.Values) (*http.Response, error) {
	if c == nil {
		return nil, ErrAPIUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, values).String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.headers()
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) endpoint(path string, values url.Values) *url.URL {
	ref := &url.URL{Path: path}
	if len(values) > 0 {
		ref.RawQuery = values.Encode()
	}
	return c.base.ResolveReference(ref)
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	return h
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var payload api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil {
		apiErr.Message = payload.Error
	}
	return apiErr
}

// IsAPIUnavailable reports whether err means the daemon could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
