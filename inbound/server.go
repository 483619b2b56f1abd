// Package inbound accepts the chat-adapter WebSocket (NapCat or any OneBot
// v11 push source), decodes its events, drives the router, and replies with
// OneBot actions. Frames received from downstream bots are fanned back to
// every attached adapter via Broadcast.
package inbound

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/deseer/ws-dispatcher/metrics"
	"github.com/deseer/ws-dispatcher/onebot"
	"github.com/deseer/ws-dispatcher/router"
	"github.com/deseer/ws-dispatcher/store"
)

const maxAuditCommand = 256

// Router is the slice of the dispatch engine the server needs.
type Router interface {
	Route(ctx context.Context, req router.Request) *router.Result
}

// client is one attached chat adapter.
type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server is the upstream WebSocket endpoint.
type Server struct {
	router Router
	st     store.Store
	log    *logrus.Entry

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a Server.
func New(r Router, st store.Store, log *logrus.Entry) *Server {
	return &Server{
		router: r,
		st:     st,
		log:    log,
		upgrader: websocket.Upgrader{
			// The adapter is trusted by deployment topology; there is no
			// origin policy on this link.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades adapter connections.
// Any path is accepted; NapCat dials the bare host:port.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Warn("升级连接失败")
			return
		}
		s.serve(&client{id: uuid.NewString(), conn: conn})
	})
}

func (s *Server) serve(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	metrics.InboundClients.Set(float64(n))

	addr := c.conn.RemoteAddr().String()
	s.log.WithField("sid", c.id).Infof("NapCat 客户端连接: %s", addr)

	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		metrics.InboundClients.Set(float64(n))
		s.log.Infof("NapCat 客户端断开: %s", addr)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, raw)
	}
}

func (s *Server) dispatch(c *client, raw []byte) {
	event, err := onebot.Decode(raw)
	if err != nil {
		// Malformed frames are dropped silently.
		s.log.Warnf("无效的 JSON 消息: %.100s", raw)
		return
	}

	switch event.PostType() {
	case onebot.PostTypeMessage:
		s.handleMessage(c, event)
	case onebot.PostTypeMetaEvent:
		s.handleMetaEvent(event)
	case onebot.PostTypeNotice, onebot.PostTypeRequest:
		// Not handled.
	}
}

func (s *Server) handleMessage(c *client, event onebot.Event) {
	raw := event.RawMessage()
	s.log.Debugf("收到消息: [%d] %.50s", event.UserID(), raw)

	ctx := context.Background()
	res := s.router.Route(ctx, router.Request{
		Raw:      raw,
		UserID:   event.UserID(),
		GroupID:  event.GroupID(),
		Nickname: event.Nickname(),
		SelfID:   event.SelfID(),
		RawEvent: event,
	})

	s.audit(ctx, event, res)

	reply := res.Response
	if reply == "" {
		reply = res.ErrorMessage
	}
	if reply == "" {
		return
	}
	frame, err := onebot.ReplyAction(event, reply)
	if err != nil {
		s.log.WithError(err).Error("构造回复失败")
		return
	}
	if err := c.send(frame); err != nil {
		s.log.WithError(err).Error("发送回复失败")
	}
}

func (s *Server) handleMetaEvent(event onebot.Event) {
	switch event.MetaEventType() {
	case "lifecycle":
		s.log.Infof("生命周期事件: %s", event.SubType())
	case "heartbeat":
		// Ignored.
	}
}

// audit writes one message-log row. Failures are logged, never fatal.
func (s *Server) audit(ctx context.Context, event onebot.Event, res *router.Result) {
	command := event.RawMessage()
	if len(command) > maxAuditCommand {
		command = command[:maxAuditCommand]
	}

	row := &store.MessageLog{
		UserID:  event.UserID(),
		GroupID: event.GroupID(),
		Command: command,
		Status:  store.StatusSuccess,
	}
	if res.CommandSet != nil {
		row.CommandSetID = res.CommandSet.ID
	}
	row.TargetWS = res.TargetWS
	if !res.Success {
		row.Status = store.StatusRejected
		row.ErrorMessage = res.ErrorMessage
		if row.ErrorMessage == "" {
			row.ErrorMessage = res.ForwardError
		}
	}
	metrics.RoutedTotal.WithLabelValues(string(row.Status)).Inc()

	if err := s.st.AppendMessageLog(ctx, row); err != nil {
		s.log.WithError(err).Error("记录消息日志失败")
	}
}

// Broadcast sends a frame to every attached adapter. Used as the outbound
// pool's handler so downstream bot actions reach the chat.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(frame); err != nil {
			s.log.WithError(err).Debug("广播失败")
		}
	}
}

// ClientCount returns the number of attached adapters.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
