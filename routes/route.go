package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"leviathan/engine"
	"leviathan/interactive"
	"leviathan/model"
	"leviathan/pkg"
	"leviathan/service"
	"leviathan/terminal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Daemon reports container daemon connectivity.
type Daemon interface {
	Ping(ctx context.Context) error
	Host() string
}

type Interactive interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ActiveSessions() []string
	SessionInfo(id string) (interactive.Info, bool)
	ForceTerminate(id string) bool
}

type Terminals interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ActiveRoomTerminals() []string
	RoomTerminalInfo(roomID string) (terminal.RoomTerminalInfo, bool)
	ExecuteCommand(ctx context.Context, roomID, command string) (string, error)
}

type Handler struct {
	svc         *service.ExecutionService
	daemon      Daemon
	interactive Interactive
	terminals   Terminals
	limiter     *pkg.RateLimiter
	logger      *zap.Logger
}

func NewHandler(svc *service.ExecutionService, daemon Daemon, ic Interactive, tc Terminals, limiter *pkg.RateLimiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:         svc,
		daemon:      daemon,
		interactive: ic,
		terminals:   tc,
		limiter:     limiter,
		logger:      logger.Named("http"),
	}
}

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	r.GET("/health", h.Health)
	r.GET("/ws/execution", gin.WrapF(h.interactive.ServeWS))
	r.GET("/ws/terminal", gin.WrapF(h.terminals.ServeWS))

	api := r.Group("/api")
	{
		api.POST("/sessions", h.InitSession)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.TerminateSession)
		execute := []gin.HandlerFunc{h.Execute}
		if h.limiter != nil {
			execute = append([]gin.HandlerFunc{h.limiter.Middleware()}, execute...)
		}
		api.POST("/sessions/:id/execute", execute...)
		api.GET("/users/:userId/sessions", h.UserSessions)

		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/participants", h.Participants)
		api.POST("/rooms/:id/join", h.JoinRoom)
		api.GET("/rooms/:id/terminal", h.RoomTerminal)
		api.POST("/rooms/:id/terminal/exec", h.TerminalExec)

		api.GET("/languages", h.Languages)

		admin := api.Group("/admin")
		admin.POST("/cleanup", h.Cleanup)
		admin.GET("/interactive", h.InteractiveSessions)
		admin.DELETE("/interactive/:id", h.KillInteractive)
	}
	return r
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func statusFor(reason string) int {
	switch reason {
	case engine.ReasonTierDenied:
		return http.StatusForbidden
	case engine.ReasonRoomFull:
		return http.StatusConflict
	case engine.ReasonBusy:
		return http.StatusTooManyRequests
	case service.ReasonNotFound:
		return http.StatusNotFound
	case service.ReasonUnavailable:
		return http.StatusServiceUnavailable
	case service.ReasonInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	reason := service.Reason(err)
	status := statusFor(reason)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, model.ErrorResponse{Error: service.Message(err), Reason: reason})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, model.ErrorResponse{
		Error:  "Invalid Request Format: " + err.Error(),
		Reason: engine.ReasonInvalidRequest,
	})
}

func (h *Handler) InitSession(c *gin.Context) {
	var req model.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.InitSession(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetSession(c *gin.Context) {
	res, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) TerminateSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Terminate(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "success": true})
}

func (h *Handler) Execute(c *gin.Context) {
	var req model.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.Execute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) UserSessions(c *gin.Context) {
	res, err := h.svc.UserSessions(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": res})
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}

func (h *Handler) ListRooms(c *gin.Context) {
	res, err := h.svc.ListRooms(c.Request.Context(), queryInt(c, "page", 1), queryInt(c, "limit", 20), c.Query("search"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetRoom(c *gin.Context) {
	res, err := h.svc.Room(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Participants(c *gin.Context) {
	res, err := h.svc.Participants(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": res})
}

func (h *Handler) JoinRoom(c *gin.Context) {
	var req model.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.JoinRoom(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RoomTerminal(c *gin.Context) {
	info, ok := h.terminals.RoomTerminalInfo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Error: terminal.ErrTerminalNotFound.Error(), Reason: service.ReasonNotFound})
		return
	}
	c.JSON(http.StatusOK, info)
}

type execCommandRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Command string `json:"command" binding:"required"`
}

// TerminalExec runs a one-off command in a room's shared terminal on behalf
// of a participant.
func (h *Handler) TerminalExec(c *gin.Context) {
	var req execCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	roomID := c.Param("id")
	members, err := h.svc.Participants(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	member := false
	for _, p := range members {
		member = member || p.UserID == req.UserID
	}
	if !member {
		c.JSON(http.StatusForbidden, model.ErrorResponse{Error: "Access denied to room", Reason: "not_a_participant"})
		return
	}

	out, err := h.terminals.ExecuteCommand(c.Request.Context(), roomID, req.Command)
	if errors.Is(err, terminal.ErrTerminalNotFound) {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Error: err.Error(), Reason: service.ReasonNotFound})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out, "success": true})
}

func (h *Handler) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": h.svc.Languages(c.Query("tier"))})
}

func (h *Handler) Cleanup(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Cleanup(c.Request.Context()))
}

func (h *Handler) InteractiveSessions(c *gin.Context) {
	ids := h.interactive.ActiveSessions()
	sessions := make([]interactive.Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := h.interactive.SessionInfo(id); ok {
			sessions = append(sessions, info)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) KillInteractive(c *gin.Context) {
	id := c.Param("id")
	if !h.interactive.ForceTerminate(id) {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Error: "No active session found", Reason: service.ReasonNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "success": true})
}

// Health reports daemon connectivity and live counts. It answers 503 when the
// daemon does not respond.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	res := model.HealthResponse{
		Status:        "healthy",
		Docker:        true,
		DockerHost:    h.daemon.Host(),
		Interactive:   len(h.interactive.ActiveSessions()),
		RoomTerminals: len(h.terminals.ActiveRoomTerminals()),
	}
	if err := h.daemon.Ping(ctx); err != nil {
		h.logger.Warn("container daemon unreachable", zap.Error(err))
		res.Docker = false
		res.Status = "degraded"
	}
	if counts, err := h.svc.Health(ctx); err != nil {
		h.logger.Warn("failed to count sessions", zap.Error(err))
		res.Status = "degraded"
	} else {
		res.ActiveSessions = counts.ActiveSessions
		res.ActiveRooms = counts.ActiveRooms
		res.Containers = counts.Containers
	}

	status := http.StatusOK
	if !res.Docker {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}
