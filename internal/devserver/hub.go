package devserver

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// hub fans every received text frame out to the other connections on the
// same logical chat. Frames are relayed verbatim: the server does not care
// which of the client framings is in use.
type hub struct {
	log *zap.Logger

	mu    sync.Mutex
	chats map[string]map[*websocket.Conn]struct{}
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		log:   log,
		chats: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *hub) add(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chats[chatID] == nil {
		h.chats[chatID] = make(map[*websocket.Conn]struct{})
	}
	h.chats[chatID][conn] = struct{}{}
}

func (h *hub) remove(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.chats[chatID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.chats, chatID)
		}
	}
}

// broadcast relays data to every connection on chatID except the sender.
func (h *hub) broadcast(chatID string, sender *websocket.Conn, data []byte) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.chats[chatID]))
	for c := range h.chats[chatID] {
		if c != sender {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("broadcast write failed", zap.String("chat", chatID), zap.Error(err))
		}
	}
}

// serve pumps frames from conn into the chat until the peer goes away.
func (h *hub) serve(chatID string, conn *websocket.Conn) {
	h.add(chatID, conn)
	defer func() {
		h.remove(chatID, conn)
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.broadcast(chatID, conn, data)
	}
}
