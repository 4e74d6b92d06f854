package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"autojudge/internal/common/auth"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/contextkey"
	"autojudge/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler serves one method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry maps method names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces a method.
func (r *Registry) Register(method string, h Handler) {
	r.handlers[method] = h
}

// Lookup returns the handler of method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// Names returns the sorted method names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator func(r *http.Request) (auth.Identity, error)

// ToolResolver picks the method set of a role. A nil registry rejects the
// connection.
type ToolResolver func(id auth.Identity) *Registry

// ServerConfig tunes connection handling.
type ServerConfig struct {
	ReadLimit    int64         `yaml:"readLimit"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PongWait     time.Duration `yaml:"pongWait"`
}

const (
	defaultReadLimit    = 16 << 20
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
)

func (c *ServerConfig) applyDefaults() {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
}

// Server upgrades HTTP requests into RPC sessions. Requests on one session
// are handled one at a time; sessions run concurrently.
type Server struct {
	cfg          ServerConfig
	upgrader     websocket.Upgrader
	authenticate Authenticator
	tools        ToolResolver

	mu    sync.Mutex
	conns map[*serverConn]struct{}
	wg    sync.WaitGroup
}

func NewServer(authn Authenticator, tools ToolResolver, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// Callers authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		authenticate: authn,
		tools:        tools,
		conns:        make(map[*serverConn]struct{}),
	}
}

// ServeHTTP authenticates, upgrades and serves the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := s.authenticate(r)
	if err != nil {
		writeHTTPFault(w, err)
		return
	}
	registry := s.tools(id)
	if registry == nil {
		writeHTTPFault(w, appErr.New(appErr.RoleMismatch))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	sc := &serverConn{
		id:       uuid.NewString(),
		ws:       ws,
		identity: id,
		registry: registry,
		cfg:      s.cfg,
	}
	s.track(sc, true)
	s.wg.Add(1)
	defer func() {
		s.track(sc, false)
		s.wg.Done()
	}()

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	sctx = WithIdentity(sctx, id)
	sctx = context.WithValue(sctx, contextkey.RequestID, sc.id)
	sc.serve(sctx)
}

// Close closes every open session and waits for their loops to exit.
func (s *Server) Close() {
	s.mu.Lock()
	for sc := range s.conns {
		_ = sc.ws.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) track(sc *serverConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[sc] = struct{}{}
	} else {
		delete(s.conns, sc)
	}
}

type serverConn struct {
	id       string
	ws       *websocket.Conn
	identity auth.Identity
	registry *Registry
	cfg      ServerConfig

	writeMu sync.Mutex
}

func (c *serverConn) serve(ctx context.Context) {
	defer c.ws.Close()
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	stopPing := make(chan struct{})
	pingDone := make(chan struct{})
	go c.pingLoop(stopPing, pingDone)
	defer func() {
		close(stopPing)
		<-pingDone
	}()

	info := c.sessionInfo()
	if err := c.notify(MethodSessionReady, info); err != nil {
		logger.Warn(ctx, "send session.ready failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "rpc session opened", zap.String("role", c.identity.Role), zap.String("subject", c.identity.Subject))

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn(ctx, "rpc session read failed", zap.Error(err))
			}
			logger.Info(ctx, "rpc session closed", zap.String("role", c.identity.Role))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		switch {
		case msg.IsRequest():
			resp := c.handle(ctx, &msg)
			if err := c.write(resp); err != nil {
				logger.Warn(ctx, "rpc write failed", zap.String("method", msg.Method), zap.Error(err))
				return
			}
		case msg.IsNotification():
			logger.Debug(ctx, "ignoring client notification", zap.String("method", msg.Method))
		default:
			fault := &Fault{Code: appErr.InvalidFormat.Name(), Message: "frame is neither request nor notification", Category: string(appErr.CategoryBadRequest)}
			if err := c.write(&Message{ID: msg.ID, Error: fault}); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) handle(ctx context.Context, msg *Message) (resp *Message) {
	resp = &Message{ID: msg.ID}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "rpc handler panicked", zap.String("method", msg.Method), zap.Any("panic", r))
			resp.Result = nil
			resp.Error = FaultFromError(appErr.New(appErr.InternalServerError))
		}
	}()

	var (
		result any
		err    error
	)
	if msg.Method == MethodToolsList {
		result = c.sessionInfo()
	} else if h, ok := c.registry.Lookup(msg.Method); ok {
		result, err = h(ctx, msg.Params)
	} else {
		err = appErr.Newf(appErr.NotFound, "unknown method %s", msg.Method)
	}
	if err != nil {
		resp.Error = FaultFromError(err)
		if appErr.GetCode(err).Category() == appErr.CategoryInternal {
			logger.Error(ctx, "rpc call failed", zap.String("method", msg.Method), zap.Error(err))
		} else {
			logger.Debug(ctx, "rpc call rejected", zap.String("method", msg.Method), zap.String("code", resp.Error.Code))
		}
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = FaultFromError(appErr.Wrapf(err, appErr.InternalServerError, "encode result failed"))
		return resp
	}
	resp.Result = raw
	logger.Debug(ctx, "rpc call served", zap.String("method", msg.Method), zap.Duration("took", time.Since(start)))
	return resp
}

func (c *serverConn) sessionInfo() SessionInfo {
	return SessionInfo{SessionID: c.id, Role: c.identity.Role, Tools: append([]string{MethodToolsList}, c.registry.Names()...)}
}

func (c *serverConn) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(&Message{Method: method, Params: raw})
}

func (c *serverConn) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *serverConn) pingLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeHTTPFault(w http.ResponseWriter, err error) {
	code := appErr.GetCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	raw, mErr := json.Marshal(FaultFromError(err))
	if mErr != nil {
		raw = []byte(fmt.Sprintf(`{"code":%q}`, code.Name()))
	}
	_, _ = w.Write(raw)
}

type identityKey struct{}

// WithIdentity stores the caller of a session in ctx.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, id)
	if id.Role == auth.RoleUser {
		ctx = context.WithValue(ctx, contextkey.UserID, id.Subject)
	}
	return ctx
}

// IdentityFrom returns the caller stored by WithIdentity.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}
