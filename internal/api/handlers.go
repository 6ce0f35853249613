package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cyberdesk/cyberdriver/internal/device"
)

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, height := 1024, 768
	if v := q.Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid width")
			return
		}
		width = n
	}
	if v := q.Get("height"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid height")
			return
		}
		height = n
	}
	mode, err := parseScaleMode(q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	img, err := s.Device.Screen.Capture()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "capture: "+err.Error())
		return
	}
	png, err := encodePNG(scaleImage(img, width, height, mode))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleDimensions(w http.ResponseWriter, r *http.Request) {
	width, height, err := s.Device.Screen.Dimensions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"width": width, "height": height})
}

func (s *Server) handleKeyboardType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "missing 'text' field")
		return
	}

	s.Device.InputLock.Lock()
	err := s.Device.Keyboard.TypeText(body.Text)
	s.Device.InputLock.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyboardKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sequence string `json:"sequence"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	chords, err := device.ParseXDO(body.Sequence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.Device.InputLock.Lock()
	defer s.Device.InputLock.Unlock()
	for _, chord := range chords {
		for _, ev := range chord {
			if err := s.Device.Keyboard.KeyEvent(ev.Key, ev.Down); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMousePosition(w http.ResponseWriter, r *http.Request) {
	x, y, err := s.Device.Mouse.Position()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"x": x, "y": y})
}

// smoothSteps and smoothSpacing control interpolated mouse movement.
const (
	smoothSteps   = 20
	smoothSpacing = 5 * time.Millisecond
)

func (s *Server) handleMouseMove(w http.ResponseWriter, r *http.Request) {
	body := struct {
		X      *int  `json:"x"`
		Y      *int  `json:"y"`
		Smooth *bool `json:"smooth"`
	}{}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.X == nil || body.Y == nil {
		writeError(w, http.StatusBadRequest, "missing 'x'/'y'")
		return
	}
	smooth := body.Smooth == nil || *body.Smooth

	s.Device.InputLock.Lock()
	err := s.moveMouse(*body.X, *body.Y, smooth)
	s.Device.InputLock.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// moveMouse moves the pointer, interpolating when smooth. Callers hold the
// input lock.
func (s *Server) moveMouse(x, y int, smooth bool) error {
	if !smooth {
		return s.Device.Mouse.MoveTo(x, y)
	}
	fromX, fromY, err := s.Device.Mouse.Position()
	if err != nil {
		return err
	}
	for i := 1; i <= smoothSteps; i++ {
		ix := fromX + (x-fromX)*i/smoothSteps
		iy := fromY + (y-fromY)*i/smoothSteps
		if err := s.Device.Mouse.MoveTo(ix, iy); err != nil {
			return err
		}
		if i < smoothSteps {
			time.Sleep(smoothSpacing)
		}
	}
	return nil
}

func (s *Server) handleMouseClick(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Button string `json:"button"`
		Action string `json:"action"`
		X      *int   `json:"x"`
		Y      *int   `json:"y"`
	}{Button: "left", Action: "click"}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch body.Button {
	case "left", "right", "middle":
	default:
		writeError(w, http.StatusBadRequest, "invalid button: expected 'left', 'right', or 'middle'")
		return
	}
	switch body.Action {
	case "click", "down", "up":
	default:
		writeError(w, http.StatusBadRequest, "invalid action: expected 'click', 'down', or 'up'")
		return
	}

	s.Device.InputLock.Lock()
	defer s.Device.InputLock.Unlock()

	if body.X != nil && body.Y != nil {
		if err := s.Device.Mouse.MoveTo(*body.X, *body.Y); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	var err error
	switch body.Action {
	case "click":
		if err = s.Device.Mouse.Button(body.Button, true); err == nil {
			err = s.Device.Mouse.Button(body.Button, false)
		}
	case "down":
		err = s.Device.Mouse.Button(body.Button, true)
	case "up":
		err = s.Device.Mouse.Button(body.Button, false)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMouseScroll(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Direction string `json:"direction"`
		Amount    *int   `json:"amount"`
		X         *int   `json:"x"`
		Y         *int   `json:"y"`
	}{}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Amount == nil || *body.Amount < 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid 'amount'")
		return
	}
	var dx, dy int
	switch body.Direction {
	case "up":
		dy = *body.Amount
	case "down":
		dy = -*body.Amount
	case "right":
		dx = *body.Amount
	case "left":
		dx = -*body.Amount
	default:
		writeError(w, http.StatusBadRequest, "invalid direction: expected 'up', 'down', 'left', or 'right'")
		return
	}

	s.Device.InputLock.Lock()
	defer s.Device.InputLock.Unlock()
	if body.X != nil && body.Y != nil {
		if err := s.Device.Mouse.MoveTo(*body.X, *body.Y); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if dx != 0 || dy != 0 {
		if err := s.Device.Mouse.Scroll(dx, dy); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMouseDrag(w http.ResponseWriter, r *http.Request) {
	body := struct {
		StartX   *int     `json:"start_x"`
		StartY   *int     `json:"start_y"`
		ToX      *int     `json:"to_x"`
		ToY      *int     `json:"to_y"`
		Button   string   `json:"button"`
		Duration *float64 `json:"duration"`
	}{Button: "left"}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ToX == nil || body.ToY == nil {
		writeError(w, http.StatusBadRequest, "missing or invalid destination coordinates")
		return
	}
	if body.StartX == nil || body.StartY == nil {
		writeError(w, http.StatusBadRequest, "missing or invalid start coordinates (start_x/start_y)")
		return
	}
	switch body.Button {
	case "left", "right", "middle":
	default:
		writeError(w, http.StatusBadRequest, "invalid button: expected 'left', 'right', or 'middle'")
		return
	}
	smooth := body.Duration != nil && *body.Duration > 0

	s.Device.InputLock.Lock()
	defer s.Device.InputLock.Unlock()

	if err := s.Device.Mouse.MoveTo(*body.StartX, *body.StartY); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Device.Mouse.Button(body.Button, true); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	moveErr := s.moveMouse(*body.ToX, *body.ToY, smooth)
	// The button is released even when the move fails; a stuck button is
	// worse than a short drag.
	upErr := s.Device.Mouse.Button(body.Button, false)
	if moveErr != nil {
		writeError(w, http.StatusInternalServerError, moveErr.Error())
		return
	}
	if upErr != nil {
		writeError(w, http.StatusInternalServerError, upErr.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	if s.Device.Files == nil {
		writeError(w, http.StatusNotImplemented, "file capability not available")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := s.Device.Files.List(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	if s.Device.Files == nil {
		writeError(w, http.StatusNotImplemented, "file capability not available")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing 'path'")
		return
	}
	data, err := s.Device.Files.Read(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	if s.Device.Files == nil {
		writeError(w, http.StatusNotImplemented, "file capability not available")
		return
	}
	var body struct {
		Path string `json:"path"`
		Data []byte `json:"data"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "missing 'path'")
		return
	}
	if err := s.Device.Files.Write(body.Path, body.Data); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShellExec(w http.ResponseWriter, r *http.Request) {
	if s.Device.Shell == nil {
		writeError(w, http.StatusNotImplemented, "shell capability not available")
		return
	}
	body := struct {
		Command        string  `json:"command"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}{TimeoutSeconds: 30}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "missing 'command'")
		return
	}

	ctx := r.Context()
	if body.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(body.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}
	stdout, stderr, code, err := s.Device.Shell.Exec(ctx, body.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": code,
	})
}

// handleShellSession is a no-op kept for API compatibility with clients that
// open an explicit shell session before exec.
func (s *Server) handleShellSession(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.Device.Updater == nil {
		writeError(w, http.StatusNotImplemented, "update capability not available")
		return
	}
	body := struct {
		Version string `json:"version"`
		Restart bool   `json:"restart"`
	}{Version: "latest"}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Device.Updater.Stage(body.Version, body.Restart); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"version": body.Version,
		"restart": body.Restart,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag := map[string]any{
		"version":        s.Version,
		"uptime_seconds": time.Since(s.started).Seconds(),
		"capabilities":   s.Device.Capabilities(),
	}
	if s.Clock != nil {
		diag["idle_seconds"] = s.Clock.IdleFor().Seconds()
	}
	if s.Keepalive != nil {
		diag["keepalive_paused"] = s.Keepalive.Paused()
	}
	writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleRemoteActivity(w http.ResponseWriter, r *http.Request) {
	if s.Clock != nil {
		s.Clock.TouchWithJitter()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteEnable(w http.ResponseWriter, r *http.Request) {
	if s.Keepalive == nil {
		writeError(w, http.StatusNotImplemented, "keepalive not configured")
		return
	}
	s.Keepalive.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteDisable(w http.ResponseWriter, r *http.Request) {
	if s.Keepalive == nil {
		writeError(w, http.StatusNotImplemented, "keepalive not configured")
		return
	}
	s.Keepalive.Pause()
	w.WriteHeader(http.StatusNoContent)
}
