package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
)

const streamWriteTimeout = 5 * time.Second

// stream upgrades to a websocket and forwards bus notifications as JSON text
// frames. The optional kinds query parameter filters by notification kind and
// tenant restricts events to one tenant.
func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	kinds := parseKinds(r.URL.Query().Get("kinds"))
	tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
	if tenant == "" {
		tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Printf("stream accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	// Client frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	id, notes := s.bus.Subscribe(ctx, kinds...)
	defer s.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus stopped")
				return
			}
			if tenant != "" && (note.Event == nil || note.Event.Source.TenantID != tenant) {
				continue
			}
			if err := writeNotification(ctx, conn, note); err != nil {
				s.logger.Printf("stream %s write failed: %v", id, err)
				return
			}
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, note eventbus.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseKinds(raw string) []eventbus.NotificationKind {
	var kinds []eventbus.NotificationKind
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			kinds = append(kinds, eventbus.NotificationKind(part))
		}
	}
	return kinds
}
