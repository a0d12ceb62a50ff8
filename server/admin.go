package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/ngserver/admin"
	"github.com/guseggert/ngserver/protocol"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// AdminHandler returns the admin HTTP handler: heartbeat, the command list, and the WebSocket tunnel for the nailgun protocol.
func (s *Server) AdminHandler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/commands", s.commands)
	router.GET("/nailgun", s.nailgunWS)
	return router
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	status := admin.Status{
		Status:            "ok",
		StartTime:         s.startTime.UTC().Format(time.RFC3339),
		ActiveConnections: s.ActiveConnections(),
		Commands:          s.registry.Commands(),
	}
	b, err := json.Marshal(status)
	if err != nil {
		s.logger.Debugf("error marshaling heartbeat response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) commands(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Add("Content-Type", "text/plain")
	names := s.registry.Commands()
	if len(names) == 0 {
		return
	}
	w.Write([]byte(strings.Join(names, "\n") + "\n"))
}

// nailgunWS serves one nailgun request tunnelled through a WebSocket connection.
func (s *Server) nailgunWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("nailgun WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(int64(protocol.HeaderSize) + int64(s.maxChunkSize))
	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	s.ServeConn(r.Context(), conn)
}
