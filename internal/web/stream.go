package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// handleEventStream serves a Server-Sent Events stream of a pipeline's
// event log. It polls the log and sends each new event as one message.
// When the pipeline is deleted it sends a "done" event.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	// Only events newer than the connection are sent.
	var cur streamCursor
	if history, err := s.orch.History(r.Context(), id); err == nil {
		cur = cursorAt(history)
	}

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}

		if _, err := s.orch.Get(r.Context(), id); err != nil {
			sendDone("pipeline not found")
			return
		}
		history, err := s.orch.History(r.Context(), id)
		if err != nil {
			continue
		}
		fresh := cur.next(history)
		for _, e := range fresh {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
		}
		if len(fresh) > 0 {
			flusher.Flush()
		}
	}
}

// streamCursor marks how far a stream has read: the newest timestamp seen
// and how many events carry exactly that timestamp. Events appended within
// the same clock tick are still delivered.
type streamCursor struct {
	at time.Time
	n  int
}

// cursorAt positions a cursor after every event in history, which is
// newest first.
func cursorAt(history []pipeline.Event) streamCursor {
	if len(history) == 0 {
		return streamCursor{}
	}
	c := streamCursor{at: history[0].Timestamp}
	for _, e := range history {
		if !e.Timestamp.Equal(c.at) {
			break
		}
		c.n++
	}
	return c
}

// next returns the events of history past the cursor, oldest first, and
// moves the cursor after them.
func (c *streamCursor) next(history []pipeline.Event) []pipeline.Event {
	var out []pipeline.Event
	skip := c.n
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		switch {
		case e.Timestamp.Before(c.at):
			continue
		case e.Timestamp.Equal(c.at) && skip > 0:
			skip--
			continue
		}
		out = append(out, e)
	}
	*c = cursorAt(history)
	return out
}
