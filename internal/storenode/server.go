package storenode

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/baktrius/nhex2/internal/wire"
)

// Server exposes a Repo over the storage node's two surfaces: the HTTP
// control API used by the manager and the websocket data API used by
// sync nodes.
type Server struct {
	repo     Repo
	upgrader websocket.Upgrader
}

func NewServer(repo Repo) *Server {
	return &Server{
		repo: repo,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ControlRouter routes the management API.
func (s *Server) ControlRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/board/{boardId}/init").HandlerFunc(s.handleInit)
	r.Methods(http.MethodPost).Path("/board/{boardId}/append").HandlerFunc(s.handleAppend)
	r.Methods(http.MethodGet).Path("/board/{boardId}").HandlerFunc(s.handleGet)
	return r
}

// DataRouter routes the duplex append stream used by sync nodes.
func (s *Server) DataRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/board/{boardId}").HandlerFunc(s.handleStream)
	return r
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	if err := s.repo.InitBoard(r.Context(), boardID); err != nil {
		writeJSON(w, wire.Result{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.Result{Success: true})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	board, err := s.repo.GetBoard(r.Context(), boardID)
	if err != nil {
		writeJSON(w, wire.Greeting{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.Greeting{Success: true, Data: &wire.GreetingData{
		BoardID: board.BoardID, Commands: board.Commands,
	}})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	var commands []wire.Command
	if err := json.Unmarshal([]byte(r.URL.Query().Get("commands")), &commands); err != nil {
		writeJSON(w, wire.Result{Success: false, Reason: "malformed commands param"})
		return
	}
	if err := s.repo.Append(r.Context(), boardID, commands); err != nil {
		writeJSON(w, wire.Result{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.Result{Success: true})
}

// handleStream serves one sync node's bridge connection: greeting first,
// then an append/ack exchange per inbound batch.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("board %s: stream upgrade failed: %v", boardID, err)
		return
	}
	defer ws.Close()

	board, err := s.repo.GetBoard(r.Context(), boardID)
	if err != nil {
		ws.WriteJSON(wire.Greeting{Success: false, Reason: err.Error()})
		return
	}
	if err := ws.WriteJSON(wire.Greeting{Success: true, Data: &wire.GreetingData{
		BoardID: board.BoardID, Commands: board.Commands,
	}}); err != nil {
		return
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ack := wire.Ack{Success: true, Message: string(msg)}
		var commands []wire.Command
		if err := json.Unmarshal(msg, &commands); err != nil {
			ack = wire.Ack{Success: false, Message: string(msg), Reason: "malformed command batch"}
		} else if err := s.repo.Append(r.Context(), boardID, commands); err != nil {
			ack = wire.Ack{Success: false, Message: string(msg), Reason: err.Error()}
		}
		if err := ws.WriteJSON(ack); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
