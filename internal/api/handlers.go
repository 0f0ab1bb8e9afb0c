package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict
	"go.uber.org/zap"

	"seismo-gateway/internal/auth"
	"seismo-gateway/internal/config"
	"seismo-gateway/internal/data"
	"seismo-gateway/internal/heartbeat"
	"seismo-gateway/internal/metrics"
	"seismo-gateway/internal/registry"
	"seismo-gateway/internal/service"
	"seismo-gateway/internal/storage"
	"seismo-gateway/internal/websocket"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 50
	historyReadTimeout  = 10 * time.Second
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dashboards are served from elsewhere
}

// Options carries the values the handlers report back to devices and operators.
type Options struct {
	Port            int
	HostURL         string
	DataPath        string // where the event log lives, for disk statistics
	MaxBytes        int64
	Sensitivity     config.Sensitivity
	FirmwareVersion string
	FirmwareURL     string
	HistoryLimit    int // records sent to a new websocket client
}

type APIHandler struct {
	ingestor *service.Ingestor
	store    storage.EventStore
	registry *registry.Registry
	tracker  *heartbeat.Tracker
	hub      *websocket.Hub
	auth     *auth.AuthManager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	started  time.Time
	now      func() time.Time
}

func NewAPIHandler(ingestor *service.Ingestor, store storage.EventStore, reg *registry.Registry,
	tracker *heartbeat.Tracker, hub *websocket.Hub, am *auth.AuthManager, m *metrics.Metrics,
	logger *zap.Logger, opts Options) *APIHandler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &APIHandler{
		ingestor: ingestor,
		store:    store,
		registry: reg,
		tracker:  tracker,
		hub:      hub,
		auth:     am,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		started:  time.Now(),
		now:      time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleSeismic accepts one sensor report.
func (h *APIHandler) HandleSeismic(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		h.metrics.Ingest("invalid")
		writeError(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Ingest("invalid")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	report, err := data.ParseReport(body)
	if err != nil {
		h.metrics.Ingest("invalid")
		h.writeIngestError(w, err)
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), report)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	if res == storage.Skipped {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "max size reached"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "logged"})
}

func (h *APIHandler) writeIngestError(w http.ResponseWriter, err error) {
	var invalid *data.ValidationError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, "Invalid payload: "+invalid.Reason)
		return
	}
	h.logger.Error("Error ingesting report", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "Internal server error",
		"details": err.Error(),
	})
}

// HandleStatus reports Online/Offline for every roster device.
func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Statuses(h.now()))
}

// HandleEvents returns the log in write order, optionally filtered by
// ?status=RAW|CONFIRMED and ?since=<RFC3339>.
func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var kind data.Kind
	if s := q.Get("status"); s != "" {
		kind = data.Kind(strings.ToUpper(s))
		if kind != data.KindRaw && kind != data.KindConfirmed {
			writeError(w, http.StatusBadRequest, "status must be RAW or CONFIRMED")
			return
		}
	}
	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}

	records := make([]data.Record, 0, 64)
	for rec, err := range h.store.ReadAll(r.Context()) {
		if err != nil {
			h.logger.Error("Error reading event log", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if kind != "" && rec.Status != kind {
			continue
		}
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, records)
}

type windowInfo struct {
	State   string   `json:"state"`
	Members []string `json:"members"`
}

type infoResponse struct {
	HostURL       string     `json:"host_url"`
	Port          int        `json:"port"`
	LocalIP       string     `json:"local_ip"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	LogBytes      int64      `json:"log_bytes"`
	LogMaxBytes   int64      `json:"log_max_bytes"`
	DiskFreeBytes *uint64    `json:"disk_free_bytes,omitempty"`
	Window        windowInfo `json:"window"`
}

// HandleInfo reports where the gateway is reachable and how full its log is.
func (h *APIHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	size, err := h.store.Size(r.Context())
	if err != nil {
		h.logger.Error("Error reading event log size", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	ip := localIP()
	state, members := h.ingestor.WindowState()
	resp := infoResponse{
		HostURL:       hostURL(h.opts.HostURL, ip, h.opts.Port),
		Port:          h.opts.Port,
		LocalIP:       ip,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
		LogBytes:      size,
		LogMaxBytes:   h.opts.MaxBytes,
		Window:        windowInfo{State: state.String(), Members: members},
	}
	if free, err := diskFree(h.opts.DataPath); err == nil {
		resp.DiskFreeBytes = &free
	} else {
		h.logger.Debug("Disk usage unavailable", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

type initResponse struct {
	HeartbeatInterval int64              `json:"heartbeat_interval"` // milliseconds
	Sensitivity       config.Sensitivity `json:"sensitivity"`
	FirmwareVersion   string             `json:"firmware_version"`
	FirmwareURL       string             `json:"firmware_url"`
}

// HandleInit is called by a sensor at boot.
func (h *APIHandler) HandleInit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	version := strings.TrimSpace(r.URL.Query().Get("version"))

	d := h.ingestor.Register(id, version)
	h.logger.Info("Device initialised",
		zap.String("device_id", id),
		zap.String("alias", d.Alias),
		zap.String("firmware", version),
		zap.Bool("in_roster", d.InRoster))

	writeJSON(w, http.StatusOK, initResponse{
		HeartbeatInterval: h.tracker.Interval().Milliseconds(),
		Sensitivity:       h.opts.Sensitivity,
		FirmwareVersion:   h.opts.FirmwareVersion,
		FirmwareURL:       h.opts.FirmwareURL,
	})
}

// HandleRoot is both the health check and, with ?id=, the device heartbeat.
func (h *APIHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
		if h.ingestor.Heartbeat(id) {
			h.logger.Info("Sending reboot to device", zap.String("device_id", id))
			w.WriteHeader(http.StatusResetContent)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

type deviceView struct {
	ID       string          `json:"id"`
	Alias    string          `json:"alias"`
	LastSeen *time.Time      `json:"last_seen,omitempty"`
	Firmware string          `json:"firmware,omitempty"`
	InRoster bool            `json:"in_roster"`
	Status   heartbeat.State `json:"status"`
}

func (h *APIHandler) view(d registry.Device, now time.Time) deviceView {
	v := deviceView{
		ID:       d.ID,
		Alias:    d.Alias,
		Firmware: d.Firmware,
		InRoster: d.InRoster,
		Status:   heartbeat.Status(d.LastSeen, d.Seen(), now, h.tracker.Interval()),
	}
	if d.Seen() {
		seen := d.LastSeen
		v.LastSeen = &seen
	}
	return v
}

func (h *APIHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	devices := h.registry.Snapshot()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, h.view(d, now))
	}
	writeJSON(w, http.StatusOK, out)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Cannot parse JSON")
		return
	}
	if !h.auth.Enabled() {
		writeError(w, http.StatusServiceUnavailable, auth.ErrDisabled.Error())
		return
	}
	if err := h.auth.AuthenticateUser(req.Username, req.Password); err != nil {
		h.logger.Warn("Operator login failed", zap.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	token, expires, err := h.auth.GenerateJWT(req.Username)
	if err != nil {
		h.logger.Error("Error issuing token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

type aliasRequest struct {
	Alias *string `json:"alias"`
}

// HandleSetAlias renames a device. Stored events keep the alias they were written with.
func (h *APIHandler) HandleSetAlias(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req aliasRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Alias == nil {
		writeError(w, http.StatusBadRequest, "'alias' required")
		return
	}
	d := h.registry.SetAlias(id, strings.TrimSpace(*req.Alias))
	h.logger.Info("Device alias changed",
		zap.String("device_id", id),
		zap.String("alias", d.Alias),
		zap.String("operator", auth.Username(r.Context())))
	writeJSON(w, http.StatusOK, h.view(d, h.now()))
}

// HandleReboot flags a device; it reboots on its next heartbeat.
func (h *APIHandler) HandleReboot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.RequestReboot(id) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	h.logger.Info("Reboot requested",
		zap.String("device_id", id),
		zap.String("operator", auth.Username(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reboot requested"})
}

// HandleWebSocket upgrades connections and registers clients with the hub
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn)
	if !h.hub.RegisterClient(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()

	h.logger.Debug("WebSocket connection established", zap.String("remote", conn.RemoteAddr().String()))
	go h.sendHistory(client)
}

// sendHistory sends the tail of the log to a newly connected client.
func (h *APIHandler) sendHistory(client *websocket.Client) {
	limit := h.opts.HistoryLimit
	ctx, cancel := context.WithTimeout(context.Background(), historyReadTimeout)
	defer cancel()

	tail := make([]data.Record, 0, limit)
	for rec, err := range h.store.ReadAll(ctx) {
		if err != nil {
			h.logger.Warn("Error reading history for websocket client", zap.Error(err))
			return
		}
		if len(tail) == limit {
			tail = append(tail[:0], tail[1:]...)
		}
		tail = append(tail, rec)
	}
	if len(tail) == 0 {
		return
	}
	if !h.hub.SendHistory(client, tail) {
		h.logger.Debug("History not queued, websocket client gone or backed up")
	}
}
