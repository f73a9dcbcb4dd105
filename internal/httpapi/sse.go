package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/event"
)

// streamBuffer is how many events a slow SSE client may fall behind before
// the bus starts dropping deliveries to it.
const streamBuffer = 256

// stream serves activity events as server-sent events. ?since=N (or the
// Last-Event-ID header) replays retained events newer than N first.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	since, replay, err := streamCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	ch := make(chan event.Event, streamBuffer)
	unsubscribe := a.bus.Subscribe(func(ev event.Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	_, _ = fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Subscribing before replaying means live events may repeat replayed ones.
	last := since
	if replay {
		for _, ev := range a.bus.Since(since) {
			if err := writeEvent(w, ev); err != nil {
				return
			}
			last = ev.ID
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(a.keepAlive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			if ev.ID <= last {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			last = ev.ID
			flusher.Flush()
		}
	}
}

func streamCursor(r *http.Request) (int64, bool, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false, errInvalidParam("since", raw)
	}
	return n, true, nil
}

func writeEvent(w http.ResponseWriter, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: activity\ndata: %s\n\n", ev.ID, data)
	return err
}
