package vcapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"entityvc/internal/vc"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWatch streams every progress record of a job as a JSON text frame and
// closes the socket normally once the job is done. The job is looked up
// before the upgrade so that unknown ids still get a plain 404.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request, kind, id string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		stream <-chan any
		err    error
	)
	if kind == vc.KindCreate {
		var results <-chan vc.VersionCreationResult
		results, err = h.Service.WatchCreate(ctx, id)
		stream = forward(ctx, results)
	} else {
		var results <-chan vc.VersionLoadResult
		results, err = h.Service.WatchLoad(ctx, id)
		stream = forward(ctx, results)
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	h.log.Debug("watch connected", "job_id", id, "kind", kind)

	// The client never sends data; reading detects a closed peer.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for result := range stream {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(result); err != nil {
			h.log.Debug("watch write failed", "job_id", id, "error", err)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func forward[R any](ctx context.Context, in <-chan R) <-chan any {
	if in == nil {
		return nil
	}
	out := make(chan any)
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
