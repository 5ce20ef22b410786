package core

// hub.go – the session hub. Accepts long-lived websocket sessions, parses
// command frames and fans fabric events out to every connected observer.
// Sessions never own nodes or ledgers; they observe and command.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Session is one connected client bound to a duplex websocket stream. It is
// ephemeral: destroyed as soon as the transport closes or its outbound queue
// overflows.
type Session struct {
	id        string
	conn      *websocket.Conn
	out       chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// Hub owns the session set and dispatches client commands to the router,
// the fault controller and the resync engine.
type Hub struct {
	cfg FabricConfig
	reg *Registry

	router     *Router
	controller *Controller
	resync     *Resync

	upgrader websocket.Upgrader
	srv      *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates a hub bound to the registry. Attach wires the command
// targets before Serve is called.
func NewHub(cfg FabricConfig, reg *Registry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		reg:      reg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Attach wires the router, fault controller and resync engine. Split from
// the constructor because those components notify through the hub.
func (h *Hub) Attach(router *Router, controller *Controller, resync *Resync) {
	h.router = router
	h.controller = controller
	h.resync = resync
}

// Serve binds the websocket endpoint and blocks until shutdown. A failed
// bind is returned to the caller (exit code 1 at the process level).
func (h *Hub) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.srv = &http.Server{Addr: addr, Handler: mux}
	logrus.Infof("session hub listening on %s", addr)
	err := h.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and tears down every session within the
// given context's deadline.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()
	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.close()
	}
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("websocket upgrade: %v", err)
		return
	}
	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, h.cfg.QueueBound),
		hub:  h,
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	logrus.Infof("client %s connected from %s", s.id, conn.RemoteAddr())

	// First frame is always the current topology.
	s.enqueueFrame(ServerFrame{Type: FrameNetworkTopology, Data: BuildTopology(h.reg)})

	go s.writeLoop()
	go s.readLoop()
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

//---------------------------------------------------------------------
// Session loops
//---------------------------------------------------------------------

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.hub.removeSession(s)
		close(s.out)
		_ = s.conn.Close()
		logrus.Infof("client %s disconnected", s.id)
	})
}

// enqueueFrame queues one outbound frame. A full queue means the client
// cannot keep up: the session is closed and the drop is announced.
func (s *Session) enqueueFrame(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("marshal frame for %s: %v", s.id, err)
		return
	}
	s.enqueue(data)
}

func (s *Session) enqueue(data []byte) {
	defer func() {
		// Losing the race with close() on the out channel is equivalent to
		// the session already being gone.
		_ = recover()
	}()
	select {
	case s.out <- data:
	default:
		logrus.Warnf("%v: client %s outbound queue overflow, dropping session", ErrTransportError, s.id)
		s.close()
		s.hub.NotifyEvent(NetworkEvent{
			Type:        "session_overflow",
			Description: fmt.Sprintf("session %s dropped: outbound queue exceeded %d frames", s.id, s.hub.cfg.QueueBound),
			Timestamp:   time.Now(),
			Severity:    SeverityWarning,
		})
	}
}

func (s *Session) writeLoop() {
	for data := range s.out {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logrus.Warnf("%v: write to client %s: %v", ErrTransportError, s.id, err)
			s.close()
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.close()
	for {
		select {
		case <-s.hub.ctx.Done():
			return
		default:
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Warnf("%v: read from client %s: %v", ErrTransportError, s.id, err)
			}
			return
		}
		s.hub.dispatch(s, data)
	}
}

//---------------------------------------------------------------------
// Command dispatch
//---------------------------------------------------------------------

var clientMessageTypes = map[string]MessageType{
	string(MsgChat):    MsgChat,
	string(MsgCommand): MsgCommand,
	string(MsgAlert):   MsgAlert,
	string(MsgStatus):  MsgStatus,
	string(MsgSystem):  MsgSystem,
}

func (h *Hub) dispatch(s *Session, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.rejectFrame(s, fmt.Sprintf("invalid JSON frame: %v", err))
		return
	}

	switch frame.Type {
	case FrameSendMessage:
		h.handleSendMessage(s, frame)
	case FrameSimulateScenario:
		go func() {
			if err := h.controller.Run(h.ctx, frame.Scenario); err != nil && !errors.Is(err, ErrScenarioConflict) {
				logrus.Warnf("scenario %s: %v", frame.Scenario, err)
			}
		}()
	case FrameGetNetworkStatus:
		s.enqueueFrame(ServerFrame{Type: FrameNetworkTopology, Data: BuildTopology(h.reg)})
	case FrameForceSync:
		go func() {
			if _, err := h.resync.Run(h.ctx); err != nil {
				logrus.Warnf("force_sync: %v", err)
			}
		}()
	default:
		h.rejectFrame(s, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

// rejectFrame answers an unparseable or unknown frame with a warning event
// on the offending session. Unknown tags are never silently accepted.
func (h *Hub) rejectFrame(s *Session, reason string) {
	logrus.Warnf("%v: client %s: %s", ErrTransportError, s.id, reason)
	s.enqueueFrame(ServerFrame{Type: FrameSystemEvent, Data: SystemEventData{
		EventType:   "transport_error",
		Description: reason,
		Timestamp:   time.Now().Format(time.RFC3339),
		Severity:    string(SeverityWarning),
	}})
}

func (h *Hub) handleSendMessage(s *Session, frame ClientFrame) {
	mtype, ok := clientMessageTypes[frame.MessageType]
	if !ok {
		h.rejectFrame(s, fmt.Sprintf("unknown message_type %q", frame.MessageType))
		return
	}
	recipients := frame.Recipients
	if len(recipients) == 0 {
		recipients = []string{""} // broadcast
	}
	for _, rcpt := range recipients {
		if _, err := h.router.Send(h.ctx, NodeID(frame.SenderID), NodeID(rcpt), mtype, frame.Content); err != nil {
			logrus.Warnf("send from %s: %v", frame.SenderID, err)
		}
	}
}

//---------------------------------------------------------------------
// Notifier implementation
//---------------------------------------------------------------------

// NotifyMessage broadcasts a post-processed send to every session.
func (h *Hub) NotifyMessage(msg *Message, senderName string) {
	path := make([]string, len(msg.RoutePath))
	for i, id := range msg.RoutePath {
		path[i] = string(id)
	}
	h.broadcast(ServerFrame{Type: FrameNewMessage, Data: NewMessageData{
		ID:           msg.ID,
		SenderID:     string(msg.SenderID),
		SenderName:   senderName,
		Content:      msg.Content,
		MessageType:  string(msg.Type),
		Timestamp:    msg.Timestamp.Format(time.RFC3339),
		LamportClock: msg.LamportClock,
		RoutePath:    path,
	}})
}

// NotifyEvent broadcasts a system event to every session.
func (h *Hub) NotifyEvent(ev NetworkEvent) {
	h.broadcast(ServerFrame{Type: FrameSystemEvent, Data: SystemEventData{
		EventType:   ev.Type,
		Description: ev.Description,
		Timestamp:   ev.Timestamp.Format(time.RFC3339),
		Severity:    string(ev.Severity),
	}})
}

// NotifyTopology broadcasts a fresh topology snapshot to every session.
func (h *Hub) NotifyTopology() {
	h.broadcast(ServerFrame{Type: FrameNetworkTopology, Data: BuildTopology(h.reg)})
}

// broadcast marshals once and enqueues to every live session. Per-session
// frame order is the enqueue order; a broken session only affects itself.
func (h *Hub) broadcast(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("marshal broadcast frame: %v", err)
		return
	}
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.enqueue(data)
	}
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
