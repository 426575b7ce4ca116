package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/logic/command"
	"github.com/cjeanneret/TurretGo/internal/logic/motion"
)

// maxMoveBody bounds a POST /move body. Commands are a few dozen bytes.
const maxMoveBody = 4 << 10

// CommandHandler executes a JSON command. *command.Dispatcher implements it.
type CommandHandler interface {
	HandlePayload(payload []byte) (command.Outcome, error)
}

// QueueStatus reports the move queue fill level.
type QueueStatus struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Dropped uint64 `json:"dropped"`
}

// ServoStatus reports the tilt servo read back from the PWM peripheral.
type ServoStatus struct {
	DutyUs  uint32 `json:"duty_us"`
	Percent int    `json:"percent"`
	Error   string `json:"error,omitempty"`
}

// Status is a snapshot of the whole turret.
// AzimuthDeg is derived from the open-loop step count.
type Status struct {
	Motion     motion.Stats `json:"motion"`
	AzimuthDeg float64      `json:"azimuth_deg"`
	DelayUs    int64        `json:"delay_us"`
	Queue      QueueStatus  `json:"queue"`
	Servo      ServoStatus  `json:"servo"`
}

// StatusFunc returns the current turret status.
type StatusFunc func() Status

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Commands    CommandHandler
	Status      StatusFunc
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If commands is nil, POST /move returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, commands CommandHandler, status StatusFunc, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Commands:    commands,
		Status:      status,
		staticFS:    staticFS,
	}
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleMove handles POST /move. The body is the same JSON command the
// MQTT and serial transports accept; the response is the dispatch Outcome.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Commands == nil {
		http.Error(w, "commands not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMoveBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "command too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	out, err := h.Commands.HandlePayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Broadcaster != nil {
		h.Broadcaster.Broadcast("info", describe(out))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		http.Error(w, "status not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(fmt.Errorf("web: encode response: %w", err))
	}
}

func describe(out command.Outcome) string {
	msg := "Command applied"
	switch {
	case out.Enqueued:
		msg += ", rotation queued"
	case out.Dropped:
		msg += ", rotation dropped (queue full)"
	}
	if out.ServoMode != "" {
		msg += ", tilt " + out.ServoMode
	}
	if out.Delay > 0 {
		msg += fmt.Sprintf(", step delay %v", out.Delay)
	}
	if out.ServoError != "" {
		msg += " (servo error: " + out.ServoError + ")"
	}
	return msg
}
