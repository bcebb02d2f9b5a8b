package websocket

import "sync"

// historyCache keeps a bounded per-chat ring of outbound messages so a
// reconnecting client can replay what it missed.
type historyCache struct {
	mu    sync.Mutex
	limit int
	rings map[string][]*Message
}

func newHistoryCache(limit int) *historyCache {
	if limit <= 0 {
		limit = 200
	}
	return &historyCache{limit: limit, rings: make(map[string][]*Message)}
}

func chatKey(sessionID, chatID string) string {
	return sessionID + "/" + chatID
}

func (h *historyCache) append(sessionID, chatID string, msg *Message) {
	key := chatKey(sessionID, chatID)
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.rings[key], msg)
	if len(ring) > h.limit {
		ring = ring[len(ring)-h.limit:]
	}
	h.rings[key] = ring
}

func (h *historyCache) replay(sessionID, chatID string) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.rings[chatKey(sessionID, chatID)]
	out := make([]*Message, len(ring))
	copy(out, ring)
	return out
}

func (h *historyCache) clear(sessionID, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, chatKey(sessionID, chatID))
}
