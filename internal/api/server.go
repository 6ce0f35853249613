// Package api implements the local HTTP surface: the device endpoints served
// on 127.0.0.1 and the in-process invoke path the tunnel dispatcher uses.
package api

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/device"
)

// KeepaliveControl is what the remote-coordination endpoints need from the
// keepalive worker. Nil when keepalive is not configured.
type KeepaliveControl interface {
	Pause()
	Resume()
	Paused() bool
}

// Server is the local HTTP surface. It is stateless with respect to the
// tunnel: a request looks the same whether it arrived over loopback or was
// invoked in-process by the dispatcher.
type Server struct {
	Device    *device.Device
	Clock     *activity.Clock
	Keepalive KeepaliveControl
	Version   string

	started time.Time
	mux     *http.ServeMux
}

// NewServer builds the router over the given device.
func NewServer(dev *device.Device, clock *activity.Clock, version string) *Server {
	s := &Server{
		Device:  dev,
		Clock:   clock,
		Version: version,
		started: time.Now(),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /computer/display/screenshot", s.handleScreenshot)
	s.mux.HandleFunc("GET /computer/display/dimensions", s.handleDimensions)
	s.mux.HandleFunc("POST /computer/input/keyboard/type", s.handleKeyboardType)
	s.mux.HandleFunc("POST /computer/input/keyboard/key", s.handleKeyboardKey)
	s.mux.HandleFunc("GET /computer/input/mouse/position", s.handleMousePosition)
	s.mux.HandleFunc("POST /computer/input/mouse/move", s.handleMouseMove)
	s.mux.HandleFunc("POST /computer/input/mouse/click", s.handleMouseClick)
	s.mux.HandleFunc("POST /computer/input/mouse/scroll", s.handleMouseScroll)
	s.mux.HandleFunc("POST /computer/input/mouse/drag", s.handleMouseDrag)
	s.mux.HandleFunc("GET /computer/file/list", s.handleFileList)
	s.mux.HandleFunc("GET /computer/file/read", s.handleFileRead)
	s.mux.HandleFunc("POST /computer/file/write", s.handleFileWrite)
	s.mux.HandleFunc("POST /computer/shell/exec", s.handleShellExec)
	s.mux.HandleFunc("POST /computer/shell/session", s.handleShellSession)
	s.mux.HandleFunc("/computer/file/", s.handleUnimplemented)
	s.mux.HandleFunc("/computer/shell/", s.handleUnimplemented)
	s.mux.HandleFunc("POST /internal/update", s.handleUpdate)
	s.mux.HandleFunc("GET /internal/diagnostics", s.handleDiagnostics)
	s.mux.HandleFunc("POST /internal/keepalive/remote/activity", s.handleRemoteActivity)
	s.mux.HandleFunc("POST /internal/keepalive/remote/enable", s.handleRemoteEnable)
	s.mux.HandleFunc("POST /internal/keepalive/remote/disable", s.handleRemoteDisable)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// ServeHTTP dispatches through the router with panic recovery. A handler
// panic becomes a 500 JSON error; the process keeps serving.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("handler panic on %s %s: %v", r.Method, r.URL.Path, rec)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", rec))
		}
	}()
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe binds the surface to loopback on the given port and serves
// until the listener fails or the server is shut down.
func (s *Server) ListenAndServe(port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: s,
	}
	log.Printf("local API listening on %s", srv.Addr)
	return srv.ListenAndServe()
}

// Invoke drives the router in-process without touching a socket. The tunnel
// dispatcher calls this for every frame it unpacks; status, headers and body
// flow back to the cloud unchanged.
func (s *Server) Invoke(method, path string, query map[string]string, headers map[string]string, body []byte) (int, map[string]string, []byte) {
	u := &url.URL{Path: path}
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(body))
	if err != nil {
		return http.StatusBadRequest, map[string]string{"Content-Type": "application/json"},
			[]byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	req.RemoteAddr = "tunnel"
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := &invokeRecorder{status: http.StatusOK, header: make(http.Header)}
	s.ServeHTTP(rec, req)

	h := make(map[string]string, len(rec.header))
	for k := range rec.header {
		h[k] = rec.header.Get(k)
	}
	return rec.status, h, rec.body.Bytes()
}

// invokeRecorder is the minimal ResponseWriter backing Invoke.
type invokeRecorder struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
}

func (r *invokeRecorder) Header() http.Header { return r.header }

func (r *invokeRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *invokeRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into v, tolerating an empty body when
// allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("empty body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	return nil
}

func (s *Server) handleUnimplemented(w http.ResponseWriter, r *http.Request) {
	kind := "file"
	if strings.HasPrefix(r.URL.Path, "/computer/shell/") {
		kind = "shell"
	}
	writeError(w, http.StatusNotImplemented, kind+" capability not available")
}
