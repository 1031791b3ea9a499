package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
	"github.com/loomrelay/loomrelay/pkg/protocol"
)

// BridgeServer owns the CDP client, the connected gateway WebSocket, and the
// echo/dedup state. One value per process; no package-level mutable state.
//
// Connection states: disconnected → connecting → connected-unhooked →
// connected-hooked. connect() lifts the first two, a successful hook script
// lifts to hooked, any transport-level error drops back to disconnected, and
// the poll tick retries the hook while connected-unhooked.
type BridgeServer struct {
	cfg     *Config
	cdp     *CDPClient
	filters *filterState

	// mu serializes CDP/filter access between the poll loop and the WS
	// command handler.
	mu     sync.Mutex
	client *websocket.Conn // primary gateway client (at most one)

	upgrader websocket.Upgrader
}

// NewBridgeServer creates a server over cfg.
func NewBridgeServer(cfg *Config) *BridgeServer {
	cfg.withDefaults()
	return &BridgeServer{
		cfg:     cfg,
		cdp:     NewCDPClient(cfg.CDPHost, cfg.CDPPort, cfg.MutationNames),
		filters: newFilterState(cfg.DedupWindow()),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true }, // local side-car
		},
	}
}

// Run serves the gateway WebSocket and drives the poll loop until ctx ends.
func (s *BridgeServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.WSHost, s.cfg.WSPort)
	server := &http.Server{Addr: addr, Handler: mux}

	go s.pollLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("bridge listening", "ws", "ws://"+addr,
		"cdp", fmt.Sprintf("http://%s:%d", s.cfg.CDPHost, s.cfg.CDPPort))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleWS accepts the gateway connection. A new primary connection replaces
// the old one.
func (s *BridgeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.client = conn
	cdpOK := s.ensureCDPLocked(r.Context())
	s.mu.Unlock()

	slog.Info("gateway client connected", "remote", r.RemoteAddr)
	status := protocol.StatusReady
	if !cdpOK {
		status = protocol.StatusCDPNotConnected
	}
	s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeStatus, Status: status})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleCommand(r.Context(), conn, raw)
	}

	s.mu.Lock()
	if s.client == conn {
		s.client = nil
	}
	s.mu.Unlock()
	conn.Close()
	slog.Info("gateway client disconnected")
}

// ensureCDPLocked makes sure the CDP attachment and hook are up. Caller
// holds s.mu.
func (s *BridgeServer) ensureCDPLocked(ctx context.Context) bool {
	if s.cdp.Connected() {
		return true
	}
	if err := s.cdp.Connect(ctx); err != nil {
		slog.Warn("cdp connect failed", "error", err)
		return false
	}
	if _, err := s.cdp.InjectHook(); err != nil {
		slog.Warn("hook not yet installed, poll loop will retry", "error", err)
	}
	if myID, err := s.cdp.MyID(); err == nil && myID != "" {
		s.filters.myAccountID = myID
		slog.Info("logged-in account resolved", "account", myID)
	} else {
		slog.Warn("account id unavailable, echo filter falls back to text matching")
	}
	return true
}

// pollLoop drains the hook queue on the configured cadence, reconnecting and
// re-hooking as needed.
func (s *BridgeServer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	retryHookCounter := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		client := s.client
		if client == nil {
			s.mu.Unlock()
			continue
		}
		if !s.ensureCDPLocked(ctx) {
			s.mu.Unlock()
			continue
		}

		if !s.cdp.Hooked() {
			retryHookCounter++
			if retryHookCounter%s.cfg.HookRetryTicks == 1 {
				slog.Info("retrying hook injection")
				s.cdp.InjectHook()
			}
			s.mu.Unlock()
			continue
		}
		retryHookCounter = 0

		events, err := s.cdp.PollMessages()
		if err != nil {
			slog.Warn("poll failed", "error", err)
			s.mu.Unlock()
			continue
		}

		var frames []protocol.BridgeMessage
		now := time.Now()
		for i := range events {
			ev := &events[i]
			ok, reason := s.filters.admit(ev, now)
			if !ok {
				slog.Debug("event dropped", "reason", reason, "preview", truncate(ev.Text, 30))
				continue
			}
			frames = append(frames, s.buildMessageFrame(ev))
		}
		s.mu.Unlock()

		for _, frame := range frames {
			if err := s.writeFrame(client, frame); err != nil {
				slog.Warn("forward to gateway failed", "error", err)
				break
			}
			slog.Info("→ gateway", "chat", truncate(frame.ChatID, 20), "sender",
				truncate(frame.Sender, 15), "preview", truncate(frame.Content, 50))
		}
	}
}

// buildMessageFrame converts an admitted event to the wire frame, running
// the attachment download chain when present. Caller holds s.mu.
func (s *BridgeServer) buildMessageFrame(ev *IncomingEvent) protocol.BridgeMessage {
	text := strings.TrimSpace(ev.Text)
	var media *protocol.MediaRef
	if ev.Attachment != nil {
		media = s.downloadAttachment(ev.Attachment, ev.IDClient)
		if text == "" {
			text = placeholderFor(ev.Attachment)
		}
	}

	sender := ev.FromNick
	if sender == "" {
		sender = ev.From
	}
	if sender == "" {
		sender = "unknown"
	}

	return protocol.BridgeMessage{
		Type:      protocol.TypeMessage,
		Sender:    sender,
		SenderID:  ev.From,
		ChatID:    ev.SessionID,
		Content:   text,
		MsgType:   ev.MsgType,
		Timestamp: ev.Time,
		IDClient:  ev.IDClient,
		IsGroup:   strings.Contains(ev.SessionID, "team"),
		Media:     media,
	}
}

// handleCommand dispatches one gateway → bridge frame.
func (s *BridgeServer) handleCommand(ctx context.Context, conn *websocket.Conn, raw []byte) {
	var cmd protocol.BridgeMessage
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "invalid message: " + err.Error()})
		return
	}

	switch cmd.Type {
	case protocol.TypeSend:
		s.handleSend(ctx, conn, cmd)

	case protocol.TypePing:
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeStatus, Status: protocol.StatusPong})

	case protocol.TypeMyID:
		s.mu.Lock()
		account := s.filters.myAccountID
		if account == "" && s.ensureCDPLocked(ctx) {
			if myID, err := s.cdp.MyID(); err == nil {
				s.filters.myAccountID = myID
				account = myID
			}
		}
		s.mu.Unlock()
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeMyID, Account: account})

	case protocol.TypeSessions, protocol.TypeCurrentSession:
		s.handleSessionQuery(ctx, conn, cmd.Type)

	case protocol.TypeFetchChat:
		s.handleFetchChat(ctx, conn)

	case protocol.TypeRehook:
		s.mu.Lock()
		var err error
		if s.ensureCDPLocked(ctx) {
			s.cdp.ClearHook()
			_, err = s.cdp.InjectHook()
		} else {
			err = gatewayerr.ErrBridgeDisconnected
		}
		s.mu.Unlock()
		status := protocol.StatusHooked
		if err != nil {
			status = protocol.StatusHookFailed
		}
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeStatus, Status: status})

	default:
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "unknown command: " + cmd.Type})
	}
}

// handleSend drives the page's send path. The text is recorded for echo
// suppression before the send is issued; a timed-out send retries once after
// 2s.
func (s *BridgeServer) handleSend(ctx context.Context, conn *websocket.Conn, cmd protocol.BridgeMessage) {
	if cmd.Text == "" {
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "text is empty"})
		return
	}

	s.mu.Lock()
	if !s.ensureCDPLocked(ctx) {
		s.mu.Unlock()
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "CDP not connected; check the IM client's debugging flag"})
		return
	}

	s.filters.rememberSent(cmd.Text)

	result, err := s.cdp.SendText(cmd.ChatID, cmd.Text)
	if err != nil && errors.Is(err, gatewayerr.ErrBridgeDisconnected) {
		// One retry after a short pause; the next ensure reconnects.
		s.mu.Unlock()
		time.Sleep(2 * time.Second)
		s.mu.Lock()
		if s.ensureCDPLocked(ctx) {
			result, err = s.cdp.SendText(cmd.ChatID, cmd.Text)
		}
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: err.Error()})
	case !result.OK:
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: result.Error})
	default:
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeStatus, Status: protocol.StatusSent})
		slog.Info("← gateway: sent", "chat", truncate(cmd.ChatID, 20), "preview", truncate(cmd.Text, 50))
	}
}

func (s *BridgeServer) handleSessionQuery(ctx context.Context, conn *websocket.Conn, replyType string) {
	s.mu.Lock()
	if !s.ensureCDPLocked(ctx) {
		s.mu.Unlock()
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "CDP not connected"})
		return
	}
	raw, err := s.cdp.SessionInfo()
	account := s.filters.myAccountID
	s.mu.Unlock()

	if err != nil {
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: err.Error()})
		return
	}

	var info struct {
		OK          bool                   `json:"ok"`
		CurrSession string                 `json:"currSession"`
		Sessions    []protocol.SessionInfo `json:"sessions"`
		Error       string                 `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &info); err != nil || !info.OK {
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "session query failed: " + info.Error})
		return
	}

	reply := protocol.BridgeMessage{
		Type:        replyType,
		OK:          true,
		CurrSession: info.CurrSession,
		MyAccount:   account,
		Sessions:    info.Sessions,
	}
	if strings.HasPrefix(info.CurrSession, protocol.ChatPrefixP2P) {
		reply.OtherPartyID = strings.TrimPrefix(info.CurrSession, protocol.ChatPrefixP2P)
	}
	s.writeFrame(conn, reply)
}

func (s *BridgeServer) handleFetchChat(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	if !s.ensureCDPLocked(ctx) {
		s.mu.Unlock()
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "CDP not connected"})
		return
	}
	raw, err := s.cdp.FetchCurrentChat()
	s.mu.Unlock()

	if err != nil {
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: err.Error()})
		return
	}

	var result struct {
		OK          bool                   `json:"ok"`
		CurrSession string                 `json:"currSession"`
		Msgs        []protocol.ChatMessage `json:"msgs"`
		Error       string                 `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		s.writeFrame(conn, protocol.BridgeMessage{Type: protocol.TypeError, Error: "fetch chat: " + err.Error()})
		return
	}
	s.writeFrame(conn, protocol.BridgeMessage{
		Type:        protocol.TypeFetchChat,
		OK:          result.OK,
		CurrSession: result.CurrSession,
		Msgs:        result.Msgs,
		Error:       result.Error,
	})
}

// writeFrame marshals and sends one frame with a 10 s write deadline and
// returns any marshal or write error to the caller; it does not log.
func (s *BridgeServer) writeFrame(conn *websocket.Conn, frame protocol.BridgeMessage) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
