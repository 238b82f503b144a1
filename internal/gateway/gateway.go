// Package gateway terminates the one WebSocket endpoint of the execution
// engine. It is a narrow interceptor: only upgrade requests for its reserved
// path are handled here, every other request on the same listener passes
// through untouched to the host application.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/scriptdeck/scriptdeck/internal/registry"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
	"github.com/scriptdeck/scriptdeck/internal/workflow"
)

// DefaultPath is the reserved WebSocket path.
const DefaultPath = "/ws/script-execution"

// Per-connection inbound message throttling. Interactive typing is bursty
// but far below these numbers; a runaway client is not.
const (
	messageRateLimit = 100
	messageRateBurst = 200
)

// ServerInfo is the wire shape of the remote host descriptor.
type ServerInfo struct {
	IP         string `json:"ip"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// ControlMessage is an inbound client message.
type ControlMessage struct {
	Action      string      `json:"action"`
	ExecutionID string      `json:"executionId"`
	ScriptPath  string      `json:"scriptPath,omitempty"`
	Input       string      `json:"input,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Server      *ServerInfo `json:"server,omitempty"`

	IsUpdate bool `json:"isUpdate,omitempty"`
	IsShell  bool `json:"isShell,omitempty"`
	IsBackup bool `json:"isBackup,omitempty"`
	IsClone  bool `json:"isClone,omitempty"`

	ContainerID   string   `json:"containerId,omitempty"`
	Storage       string   `json:"storage,omitempty"`
	BackupStorage string   `json:"backupStorage,omitempty"`
	CloneCount    int      `json:"cloneCount,omitempty"`
	Hostnames     []string `json:"hostnames,omitempty"`
	ContainerType string   `json:"containerType,omitempty"`
}

// Message is an outbound message. Timestamp is unix milliseconds.
type Message struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Gateway owns the WebSocket endpoint and fans session output back to the
// client channel that started each execution.
type Gateway struct {
	Path     string
	engine   *workflow.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Gateway for the given engine. An empty path uses DefaultPath.
func New(engine *workflow.Engine, path string, logger *slog.Logger) *Gateway {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Path:   path,
		engine: engine,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard fronting this daemon owns auth; origin
			// enforcement happens there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Middleware intercepts upgrade requests for the reserved path and passes
// everything else to next.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == g.Path && websocket.IsWebSocketUpgrade(r) {
			g.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP upgrades the connection and runs its read loop until the client
// goes away. Closing the connection sweeps every session it owns.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(messageRateLimit), messageRateBurst),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.logger.Info("client connected", "remote", r.RemoteAddr)
	g.readLoop(ctx, c)

	// Cascading cleanup: kill every session this channel owns. Exit
	// callbacks fire afterwards and find their sessions already removed,
	// which is a normal outcome.
	for _, sess := range g.engine.Sessions.SweepOwner(c) {
		if p := sess.Process(); p != nil {
			_ = p.Kill(syscall.SIGTERM)
		}
	}
	_ = conn.Close()
	g.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	for {
		var msg ControlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		// Stops are exempt from the limiter: a client that flooded its
		// budget away must still be able to kill its processes.
		if msg.Action != "stop" && !c.limiter.Allow() {
			g.logger.Warn("dropping message, rate limit exceeded", "action", msg.Action)
			continue
		}

		switch msg.Action {
		case "start":
			req := toStartRequest(msg)
			if err := g.engine.Start(ctx, c, req, c); err != nil {
				c.Send(workflow.KindError, err.Error())
				continue
			}
			c.Send(workflow.KindStart, msg.ExecutionID)
		case "stop":
			g.engine.Stop(msg.ExecutionID)
		case "input":
			g.engine.Input(msg.ExecutionID, msg.Input)
		default:
			c.Send(workflow.KindError, "unknown action: "+msg.Action)
		}
	}
}

func toStartRequest(msg ControlMessage) workflow.StartRequest {
	req := workflow.StartRequest{
		ExecutionID:   msg.ExecutionID,
		ScriptPath:    msg.ScriptPath,
		Mode:          msg.Mode,
		IsUpdate:      msg.IsUpdate,
		IsShell:       msg.IsShell,
		IsBackup:      msg.IsBackup,
		IsClone:       msg.IsClone,
		ContainerID:   msg.ContainerID,
		Storage:       msg.Storage,
		BackupStorage: msg.BackupStorage,
		CloneCount:    msg.CloneCount,
		Hostnames:     msg.Hostnames,
		ContainerType: msg.ContainerType,
	}
	if msg.Mode == "" && msg.Server != nil {
		req.Mode = registry.ModeRemote
	}
	if msg.Server != nil {
		req.Server = &sshexec.Server{
			IP:         msg.Server.IP,
			Port:       msg.Server.Port,
			User:       msg.Server.User,
			Password:   msg.Server.Password,
			PrivateKey: msg.Server.PrivateKey,
		}
	}
	return req
}

// client wraps one WebSocket connection. It doubles as the workflow Sink for
// every session the connection starts; gorilla connections allow a single
// concurrent writer, so writes are serialized here.
type client struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

// Send implements workflow.Sink. Write failures are swallowed: the session
// keeps running (and keeps persisting) even when nobody is watching anymore.
func (c *client) Send(kind, data string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(Message{
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}
