package live

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/session"
)

const writeWait = 10 * time.Second

// SessionSource reads authoritative session state.
type SessionSource interface {
	Session(ctx context.Context, sessionID string) (session.Session, error)
}

// Frame is one countdown update. It is a projection only; the server-side
// deadline timer decides when the session closes.
type Frame struct {
	Status           exam.Status `json:"status"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	Deadline         time.Time   `json:"deadline"`
}

type Countdown struct {
	src      SessionSource
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewCountdown streams session state every interval. Origins lists the
// browser origins allowed to connect; empty or "*" allows any.
func NewCountdown(src SessionSource, interval time.Duration, origins []string) *Countdown {
	if interval <= 0 {
		interval = time.Second
	}
	return &Countdown{
		src:      src,
		interval: interval,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(origins)},
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || allowed[origin]
	}
}

// Serve upgrades the request and streams frames until the session leaves
// in-progress or the client goes away. Callers check access first.
func (c *Countdown) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("submission_id", sessionID).Msg("countdown upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// the client sends nothing; reading detects when it goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := c.stream(ctx, conn, sessionID); err != nil {
		log.Debug().Err(err).Str("submission_id", sessionID).Msg("countdown stream ended")
	}
}

func (c *Countdown) stream(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		s, err := c.src.Session(ctx, sessionID)
		if err != nil {
			_ = closeWith(conn, websocket.CloseInternalServerErr, "session unavailable")
			return err
		}
		f := Frame{Status: s.Status, RemainingSeconds: s.RemainingSeconds, Deadline: s.Deadline}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(f); err != nil {
			return err
		}
		if s.Status != exam.StatusInProgress {
			return closeWith(conn, websocket.CloseNormalClosure, "session closed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) error {
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
