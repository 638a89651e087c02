package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"logtail/internal/api"
	"logtail/internal/config"
	"logtail/internal/filter"
	"logtail/internal/logerr"
	"logtail/internal/logging"
	"logtail/internal/query"
	"logtail/internal/stream"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
	wsReadLimit    = 4096
	sseKeepAlive   = 25 * time.Second
	shutdownWindow = 5 * time.Second
)

type apiServer struct {
	bind        string
	logger      *slog.Logger
	daemon      *Daemon
	query       *query.Service
	engine      *stream.Engine
	tailLimit   int
	searchLimit int
	upgrader    websocket.Upgrader

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, svc *query.Service, engine *stream.Engine, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:        strings.TrimSpace(cfg.Paths.APIBind),
		logger:      logging.NewComponentLogger(logger, "api-server"),
		daemon:      d,
		query:       svc,
		engine:      engine,
		tailLimit:   cfg.Logs.DefaultLimit,
		searchLimit: cfg.Logs.SearchLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Stream.AllowedOrigins),
		},
	}
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathStatus, s.handleStatus)
	mux.HandleFunc(api.PathFiles, s.handleFiles)
	mux.HandleFunc(api.PathView, s.handleView)
	mux.HandleFunc(api.PathSearch, s.handleSearch)
	mux.HandleFunc(api.PathDownload, s.handleDownload)
	mux.HandleFunc(api.PathStream, s.handleStream)
	mux.HandleFunc(api.PathSocket, s.handleSocket)
	return s.withRequestLog(mux.ServeHTTP)
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// stop shuts the listener down. Streaming handlers return once the engine
// has closed their sessions.
func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.daemon != nil {
		s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running: true,
		PID:     os.Getpid(),
		LogDir:  s.query.Root(),
		Stream:  s.engine.Stats(),
	})
}

func (s *apiServer) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	values := r.URL.Query()
	page, err := intParam(values.Get("page"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := intParam(values.Get("size"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid size")
		return
	}
	result, err := s.query.ListPage(page, size)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleView(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	values := r.URL.Query()
	file := strings.TrimSpace(values.Get("file"))
	limit, err := intParam(values.Get("limit"), s.tailLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	grep := values.Get("grep")

	var lines []string
	if s.engine.IsSource(file) {
		lines, err = s.viewSource(file, limit, grep)
	} else {
		lines, err = s.query.Tail(file, limit, grep)
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewLinesResponse(file, lines))
}

// viewSource tails the resident window of a virtual source.
func (s *apiServer) viewSource(name string, limit int, grep string) ([]string, error) {
	match, err := filter.Pattern(grep)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.tailLimit
	}
	recent, _ := s.engine.Recent(name, -1)
	window := query.NewWindow(limit)
	for _, line := range recent {
		if match(line) {
			window.Push(line)
		}
	}
	return window.Lines(), nil
}

func (s *apiServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	values := r.URL.Query()
	file := strings.TrimSpace(values.Get("file"))
	limit, err := intParam(values.Get("limit"), s.searchLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	lines, err := s.query.Search(file, values.Get("grep"), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewLinesResponse(file, lines))
}

func (s *apiServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, api.PathDownload)
	rc, info, err := s.query.Open(name)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer rc.Close()

	contentType := "text/plain; charset=utf-8"
	if info.Compressed {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("download interrupted",
			logging.String(logging.FieldFile, name),
			logging.Error(err),
		)
	}
}

func (s *apiServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	req, err := streamRequest(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rc := http.NewResponseController(w)
	// the server write timeout would cut long-lived streams
	_ = rc.SetWriteDeadline(time.Time{})

	out := &sseOutput{w: w, rc: rc}
	sess, err := s.engine.Open(r.Context(), req, out)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := out.comment("keepalive"); err != nil {
				sess.Close()
			}
		}
	}
}

func (s *apiServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	req, err := streamRequest(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	// report a bad file as HTTP before switching protocols
	if !s.engine.IsSource(req.File) {
		if _, err := s.query.Stat(req.File); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed",
			logging.String(logging.FieldRemoteAddr, r.RemoteAddr),
			logging.Error(err),
		)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := s.engine.Open(ctx, req, &wsOutput{conn: conn})
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, logerr.ErrUnavailable) {
			code = websocket.CloseTryAgainLater
		} else if status := logerr.HTTPStatus(err); status < http.StatusInternalServerError {
			code = websocket.ClosePolicyViolation
		}
		writeClose(conn, code, err.Error())
		return
	}

	go readPump(conn, cancel)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			code := websocket.CloseNormalClosure
			if errors.Is(sess.Err(), stream.ErrShutdown) {
				code = websocket.CloseGoingAway
			}
			writeClose(conn, code, "")
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
			}
		}
	}
}

// readPump drains client frames so control messages are processed. The
// stream is server push; client text is discarded.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// wsOutput writes each line as one text frame. Only the session worker
// calls Send; pings go through WriteControl, which gorilla allows
// concurrently.
type wsOutput struct {
	conn *websocket.Conn
}

func (o *wsOutput) Send(line string) error {
	_ = o.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return o.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// sseOutput frames lines as Server-Sent Events. Headers are committed on the
// first write so a failed Open can still answer with an error status.
type sseOutput struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (o *sseOutput) Send(line string) error {
	line = strings.ReplaceAll(line, "\r", "")
	return o.write("data: " + line + "\n\n")
}

func (o *sseOutput) comment(text string) error {
	return o.write(": " + text + "\n\n")
}

func (o *sseOutput) write(frame string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		h := o.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		o.w.WriteHeader(http.StatusOK)
		o.started = true
	}
	if _, err := io.WriteString(o.w, frame); err != nil {
		return err
	}
	return o.rc.Flush()
}

func streamRequest(r *http.Request) (stream.Request, error) {
	values := r.URL.Query()
	req := stream.Request{
		File:  strings.TrimSpace(values.Get("file")),
		Level: values.Get("level"),
	}
	if raw := strings.TrimSpace(values.Get("from_start")); raw != "" {
		fromStart, err := strconv.ParseBool(raw)
		if err != nil {
			return stream.Request{}, logerr.Wrap(logerr.ErrInvalidArgument, "stream", "invalid from_start", err)
		}
		req.FromStart = fromStart
	}
	if req.File == "" {
		return stream.Request{}, logerr.Wrap(logerr.ErrInvalidArgument, "stream", "file is required", nil)
	}
	return req, nil
}

// originChecker allows the listed browser origins. "*" allows any origin and
// requests without an Origin header always pass. An empty list keeps
// gorilla's same-host default.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

// writeFailure maps a typed error to its status. Server-side failures are
// logged; client mistakes are not.
func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := logerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: message})
}

// withRequestLog tags each request with a correlation id and logs it at
// debug level once it completes.
func (s *apiServer) withRequestLog(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(logging.WithRequestID(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next(rec, r)
		logging.WithContext(r.Context(), s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("duration", time.Since(started).Round(time.Microsecond)),
			logging.String(logging.FieldRemoteAddr, r.RemoteAddr),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
