package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/spreatty/fitdash/internal/device"
	"github.com/spreatty/fitdash/internal/session"
)

const (
	pingInterval    = time.Second
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second

	cmdScan       = "scan"
	cmdConnect    = "connect:"
	cmdDisconnect = "disconnect"

	msgState = "state"
	msgError = "error"
	msgPing  = "ping"
)

var errUnknownCommand = errors.New("unknown command")

type Server struct {
	cfg       *Config
	session   *session.Session
	logger    *logrus.Entry
	engine    *gin.Engine
	accessLog io.Closer
	upgrader  websocket.Upgrader
}

func NewServer(cfg *Config, sess *session.Session, logger *logrus.Logger) *Server {
	log := logger.WithField("component", "http")
	accessLog := log.WriterLevel(logrus.DebugLevel)

	s := &Server{
		cfg:       cfg,
		session:   sess,
		logger:    log,
		engine:    gin.New(),
		accessLog: accessLog,
	}
	s.engine.Use(gin.LoggerWithWriter(accessLog), gin.Recovery())

	static := cfg.Server.StaticDir
	s.engine.StaticFile("/", filepath.Join(static, "index.html"))
	s.engine.StaticFile("/favicon.ico", filepath.Join(static, "favicon.svg"))
	s.engine.Static("/static", static)

	api := s.engine.Group("/api", s.authorize)
	api.GET("/state", s.getState)
	api.POST("/scan", s.postScan)
	api.POST("/connect", s.postConnect)
	api.POST("/disconnect", s.postDisconnect)
	api.PUT("/targets/:metric", s.putTarget)

	s.engine.GET("/ws", s.authorize, s.serveWS)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.accessLog.Close()

	srv := &http.Server{Addr: s.cfg.Server.Address, Handler: s.engine}
	errc := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.UseTLS {
			err = srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	s.logger.WithField("address", s.cfg.Server.Address).Info("HTTP server listening")

	select {
	case err := <-errc:
		s.logger.WithError(err).Error("Failed to start HTTP server")
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorize(c *gin.Context) {
	want := s.cfg.Server.AuthToken
	if want == "" {
		c.Next()
		return
	}

	got := c.Query("token")
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Kind: "unauthorized", Message: "Missing or invalid access token."})
		return
	}
	c.Next()
}

type statePayload struct {
	session.Snapshot
	Mock   bool                            `json:"mock"`
	Status device.State                    `json:"status"`
	Labels map[string]string               `json:"labels"`
	Limits map[device.Metric]session.Range `json:"limits"`
}

func (s *Server) state() statePayload {
	snap := s.session.Snapshot()
	p := statePayload{
		Snapshot: snap,
		Mock:     s.cfg.Mock,
		Status:   snap.State(),
		Labels:   make(map[string]string, len(snap.Devices)),
		Limits:   make(map[device.Metric]session.Range, len(device.Metrics)),
	}
	for _, d := range snap.Devices {
		p.Labels[d.Address] = d.DisplayName()
	}
	for _, m := range device.Metrics {
		if r, ok := session.Limits(m); ok {
			p.Limits[m] = r
		}
	}
	return p
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

var hints = map[device.Kind]string{
	device.KindAdapterUnavailable: "Bluetooth adapter not available. Make sure Bluetooth is turned on.",
	device.KindPermissionDenied:   "Permission to use Bluetooth was denied.",
	device.KindDeviceNotFound:     "Device not found. Scan again and pick a device from the list.",
	device.KindConnectionFailed:   "Could not connect to the device.",
	device.KindAlreadyConnected:   "A device is already connected. Disconnect first.",
}

func errorFor(err error) (int, errorBody) {
	if kind := device.KindOf(err); kind != "" {
		return statusFor(kind), errorBody{Kind: string(kind), Message: hints[kind], Detail: err.Error()}
	}
	switch {
	case errors.Is(err, errUnknownCommand):
		return http.StatusBadRequest, errorBody{Kind: "bad_request", Message: err.Error()}
	case errors.Is(err, session.ErrInvalidTarget):
		return http.StatusBadRequest, errorBody{Kind: "invalid_target", Message: err.Error()}
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, errorBody{Kind: "superseded", Message: "A newer scan replaced this one."}
	case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorBody{Kind: "unavailable", Message: "The dashboard is shutting down."}
	default:
		return http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()}
	}
}

func statusFor(kind device.Kind) int {
	switch kind {
	case device.KindAdapterUnavailable:
		return http.StatusServiceUnavailable
	case device.KindPermissionDenied:
		return http.StatusForbidden
	case device.KindDeviceNotFound:
		return http.StatusNotFound
	case device.KindConnectionFailed:
		return http.StatusBadGateway
	case device.KindAlreadyConnected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := errorFor(err)
	s.logger.WithError(err).WithField("path", c.FullPath()).Warn("Request failed")
	c.JSON(status, body)
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) postScan(c *gin.Context) {
	if _, err := s.session.Scan(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

type connectRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) postConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "bad_request", Message: err.Error()})
		return
	}
	if _, err := s.session.Connect(c.Request.Context(), req.Address); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) postDisconnect(c *gin.Context) {
	s.session.Disconnect()
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) putTarget(c *gin.Context) {
	var t session.Target
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "bad_request", Message: err.Error()})
		return
	}
	if err := s.session.SetTarget(device.Metric(c.Param("metric")), t); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

type wsMessage struct {
	Type  string        `json:"type"`
	State *statePayload `json:"state,omitempty"`
	Error *errorBody    `json:"error,omitempty"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(msg wsMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(msg)
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed upgrading to websocket")
		return
	}
	defer conn.Close()

	log := s.logger.WithField("remote", c.ClientIP())
	log.Info("Dashboard connected")
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, stopWatch := s.session.Watch()
	defer stopWatch()

	state := s.state()
	if err := ws.send(wsMessage{Type: msgState, State: &state}); err != nil {
		log.WithError(err).Warn("Initial state push failed")
		return
	}
	go s.pushStates(ctx, cancel, ws, changes)
	go s.ping(ctx, cancel, ws, log)

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("WebSocket error")
			}
			break
		}
		if messageType != websocket.TextMessage {
			log.Debug("Skipped non-text message")
			continue
		}
		go s.command(ctx, ws, strings.TrimSpace(string(msg)), log)
	}
	log.Info("Dashboard disconnected")
}

func (s *Server) pushStates(ctx context.Context, cancel context.CancelFunc, ws *wsConn, changes <-chan struct{}) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.UI.PushRate), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		state := s.state()
		if err := ws.send(wsMessage{Type: msgState, State: &state}); err != nil {
			cancel()
			return
		}
	}
}

func (s *Server) ping(ctx context.Context, cancel context.CancelFunc, ws *wsConn, log *logrus.Entry) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := ws.send(wsMessage{Type: msgPing}); err != nil {
			log.WithError(err).Debug("Ping failed")
			cancel()
			return
		}
	}
}

func (s *Server) command(ctx context.Context, ws *wsConn, cmd string, log *logrus.Entry) {
	var err error
	switch {
	case cmd == cmdScan:
		_, err = s.session.Scan(ctx)
	case strings.HasPrefix(cmd, cmdConnect):
		_, err = s.session.Connect(ctx, strings.TrimSpace(strings.TrimPrefix(cmd, cmdConnect)))
	case cmd == cmdDisconnect:
		s.session.Disconnect()
	case cmd == msgPing:
	default:
		log.WithField("command", cmd).Warn("Unexpected message")
		err = fmt.Errorf("%w %q", errUnknownCommand, cmd)
	}

	if err == nil || errors.Is(err, session.ErrSuperseded) || ctx.Err() != nil {
		return
	}
	log.WithError(err).WithField("command", cmd).Warn("Command failed")
	_, body := errorFor(err)
	if err := ws.send(wsMessage{Type: msgError, Error: &body}); err != nil {
		log.WithError(err).Debug("Error push failed")
	}
}
