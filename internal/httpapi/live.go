package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/livechat-collector/internal/core"
)

const (
	liveQueue      = 256
	keepAlive      = 20 * time.Second
	wsWriteTimeout = 5 * time.Second
)

type liveClient struct {
	streamID  string
	transport string
	ch        chan core.ChatMessage
}

func (s *Server) addClient(streamID, transport string) (*liveClient, bool) {
	c := &liveClient{streamID: streamID, transport: transport, ch: make(chan core.ChatMessage, liveQueue)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[c] = struct{}{}
	return c, true
}

func (s *Server) removeClient(c *liveClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// Broadcast delivers msg to live clients following its stream. Slow clients
// lose messages rather than block the caller.
func (s *Server) Broadcast(msg core.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for c := range s.clients {
		if c.streamID != msg.StreamID {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			s.metrics.IncBroadcastDrops(c.transport)
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, detail("stream unsupported"))
		return
	}
	c, ok := s.addClient(r.PathValue("video_id"), "sse")
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, detail("server shutting down"))
		return
	}
	defer s.removeClient(c)
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.IncMessagesSent("sse")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, ok := s.addClient(r.PathValue("video_id"), "ws")
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, detail("server shutting down"))
		return
	}
	defer s.removeClient(c)

	opts := &websocket.AcceptOptions{}
	// Listed origins skip the same-host check; others get the library default.
	if origin := r.Header.Get("Origin"); origin != "" && s.cors.isAllowed(origin) {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(baseWriter(w), r, opts)
	if err != nil {
		log.Printf("httpapi: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case msg, ok := <-c.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncMessagesSent("ws")
		}
	}
}
