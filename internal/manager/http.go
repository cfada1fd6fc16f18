package manager

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/baktrius/nhex2/internal/wire"
)

// PublicRouter routes the client-facing API served through the gateway.
func (m *Manager) PublicRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/board/create").HandlerFunc(m.handleCreate)
	r.Methods(http.MethodGet).Path("/board/{boardId}/join").HandlerFunc(m.handleJoin)
	r.Methods(http.MethodGet).Path("/boards").HandlerFunc(m.handleList)
	return r
}

// InternalRouter routes the heartbeat endpoint for sync nodes.
func (m *Manager) InternalRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/info").HandlerFunc(m.handleInfo)
	return r
}

func (m *Manager) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	id, err := m.CreateBoard(r.Context(), name)
	if err != nil {
		writeJSON(w, wire.CreateResult{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.CreateResult{Success: true, ID: id})
}

func (m *Manager) handleJoin(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardId"]
	link, err := m.JoinBoard(r.Context(), boardID)
	if err != nil {
		writeJSON(w, wire.JoinResult{Success: false, Reason: err.Error()})
		return
	}
	writeJSON(w, wire.JoinResult{Success: true, Link: link})
}

func (m *Manager) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.ListBoards())
}

func (m *Manager) handleInfo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, wire.HeartbeatResult{Success: false, Reason: "invalid params structure"})
		return
	}
	control := r.PostFormValue("control")
	usersAddr := r.PostFormValue("users")
	var boards []string
	if err := json.Unmarshal([]byte(r.PostFormValue("tables")), &boards); err != nil || control == "" || usersAddr == "" {
		writeJSON(w, wire.HeartbeatResult{Success: false, Reason: "invalid params structure"})
		return
	}
	toBeClosed := m.Reconcile(control, usersAddr, boards)
	if toBeClosed == nil {
		toBeClosed = []string{}
	}
	writeJSON(w, wire.HeartbeatResult{Success: true, ToBeClosed: toBeClosed})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
