package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"github.com/opencode-nexus/nexusd/internal/api"
	"github.com/opencode-nexus/nexusd/internal/auth"
	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/conn"
	"github.com/opencode-nexus/nexusd/internal/paths"
	"github.com/opencode-nexus/nexusd/internal/reconnect"
	"github.com/opencode-nexus/nexusd/internal/store"
	syncengine "github.com/opencode-nexus/nexusd/internal/sync"
)

// Server is the local control API, served over a Unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	db     *store.DB
	conns  *conn.Manager
	client *api.Client
	engine *syncengine.Engine
	coord  *reconnect.Coordinator
	bus    *bus.Bus
}

// NewServer creates the control server bound to the daemon's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	db *store.DB,
	conns *conn.Manager,
	client *api.Client,
	engine *syncengine.Engine,
	coord *reconnect.Coordinator,
	b *bus.Bus,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		db:         db,
		conns:      conns,
		client:     client,
		engine:     engine,
		coord:      coord,
		bus:        b,
	}

	e := echo.New()
	s.registerRoutes(e)
	s.httpServer = &http.Server{Handler: e}
	return s, nil
}

func (s *Server) registerRoutes(e *echo.Echo) {
	g := e.Group("/v1")

	g.GET("/status", s.getStatus)
	g.GET("/events", s.streamEvents)

	g.GET("/profiles", s.listProfiles)
	g.POST("/profiles", s.saveProfile)
	g.DELETE("/profiles/:id", s.deleteProfile)

	g.POST("/connect", s.connect)
	g.POST("/disconnect", s.disconnect)
	g.POST("/test-connection", s.testConnection)
	g.POST("/network/online", s.networkOnline)

	g.GET("/sessions", s.listSessions)
	g.POST("/sessions", s.createSession)
	g.GET("/sessions/:id/messages", s.listMessages)
	g.POST("/sessions/:id/messages", s.enqueueMessage)
	g.GET("/sessions/:id/queue", s.listQueue)
	g.POST("/messages/:client_msg_id/retry", s.retryMessage)

	g.POST("/sync", s.startSync)
	g.POST("/sync/cancel", s.cancelSync)
	g.GET("/sync/runs", s.listSyncRuns)
}

// Start serves control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

type statusResponse struct {
	State      string         `json:"state"`
	Profile    *store.Profile `json:"profile,omitempty"`
	ServerInfo any            `json:"server_info,omitempty"`
	LastEvent  *conn.Event    `json:"last_event,omitempty"`
	Events     []conn.Event   `json:"events"`
	Syncing    bool           `json:"syncing"`
}

func (s *Server) getStatus(c *echo.Context) error {
	snap := s.conns.Status()
	resp := statusResponse{
		State:     string(snap.State),
		Profile:   snap.Profile,
		LastEvent: snap.LastEvent,
		Events:    s.conns.Events(),
		Syncing:   s.engine.Running(),
	}
	if snap.ServerInfo != nil {
		resp.ServerInfo = snap.ServerInfo
	}
	return c.JSON(http.StatusOK, resp)
}

// streamEvents forwards bus events to the client as SSE until it hangs up.
func (s *Server) streamEvents(c *echo.Context) error {
	events, unsub := s.bus.Subscribe("", 64)
	defer unsub()

	rw := c.Response()
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	flush := func() {
		if f, ok := rw.(http.Flusher); ok {
			f.Flush()
		}
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			data, err := json.Marshal(map[string]any{
				"kind":      evt.Kind,
				"timestamp": evt.Timestamp.Format(time.RFC3339),
				"payload":   evt.Payload,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(rw, "data: %s\n\n", data)
			flush()
		}
	}
}

type profileRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Hostname string          `json:"hostname"`
	Port     int             `json:"port"`
	Secure   bool            `json:"secure"`
	Auth     auth.Descriptor `json:"auth"`
}

func (s *Server) listProfiles(c *echo.Context) error {
	profiles, err := s.conns.Profiles()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, profiles)
}

func (s *Server) saveProfile(c *echo.Context) error {
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid profile payload")
	}
	if req.Hostname == "" || req.Port <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "hostname and port are required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Auth.Kind == "" {
		req.Auth = auth.None()
	}
	p := &store.Profile{
		ID:       req.ID,
		Name:     req.Name,
		Hostname: req.Hostname,
		Port:     req.Port,
		Secure:   req.Secure,
		Auth:     req.Auth,
		Status:   store.ProfileDisconnected,
	}
	if err := s.conns.SaveProfile(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProfile(c *echo.Context) error {
	if err := s.conns.DeleteProfile(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type connectRequest struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) connect(c *echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil || req.ProfileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profile_id is required")
	}
	err := s.conns.Connect(c.Request().Context(), req.ProfileID)
	switch {
	case err == nil:
		return s.getStatus(c)
	case err == conn.ErrAlreadyInProgress || err == conn.ErrAlreadyConnected:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

func (s *Server) disconnect(c *echo.Context) error {
	s.conns.Disconnect()
	return c.NoContent(http.StatusNoContent)
}

type testConnectionRequest struct {
	Hostname string          `json:"hostname"`
	Port     int             `json:"port"`
	Secure   bool            `json:"secure"`
	Auth     auth.Descriptor `json:"auth"`
}

func (s *Server) testConnection(c *echo.Context) error {
	var req testConnectionRequest
	if err := c.Bind(&req); err != nil || req.Hostname == "" || req.Port <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "hostname and port are required")
	}
	info, err := s.conns.TestConnection(c.Request().Context(), req.Hostname, req.Port, req.Secure, req.Auth)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "server": info})
}

func (s *Server) networkOnline(c *echo.Context) error {
	s.coord.NotifyOnline()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) listSessions(c *echo.Context) error {
	sessions, err := s.db.ListSessions()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) listMessages(c *echo.Context) error {
	msgs, err := s.db.ListMessages(c.Param("id"), 200)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}

type createSessionRequest struct {
	Title string `json:"title"`
}

// createSession opens a new conversation on the connected server and
// mirrors it locally so messages can be queued against it right away.
func (s *Server) createSession(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session payload")
	}
	if req.Title == "" {
		req.Title = "New Chat"
	}
	sess, err := s.client.CreateSession(c.Request().Context(), req.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	local := &store.Session{ID: sess.ID, Title: sess.Title, CreatedAt: time.Now().UnixMilli()}
	if err := s.db.UpsertSession(local); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, local)
}

type enqueueRequest struct {
	Body  string `json:"body"`
	Model string `json:"model,omitempty"` // optional model override for this message
}

func (s *Server) enqueueMessage(c *echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil || req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body is required")
	}
	clientMsgID := uuid.NewString()
	if err := s.engine.Enqueue(clientMsgID, c.Param("id"), req.Body, req.Model); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"client_msg_id": clientMsgID})
}

func (s *Server) listQueue(c *echo.Context) error {
	queued, err := s.db.QueuedForSession(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, queued)
}

func (s *Server) retryMessage(c *echo.Context) error {
	if err := s.db.ResetFailed(c.Param("client_msg_id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startSync(c *echo.Context) error {
	go func() {
		if _, err := s.engine.Drain(context.Background()); err != nil {
			s.logger.Warn("requested drain failed", zap.Error(err))
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) cancelSync(c *echo.Context) error {
	s.engine.Cancel()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) listSyncRuns(c *echo.Context) error {
	runs, err := s.db.ListSyncRuns(50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}
