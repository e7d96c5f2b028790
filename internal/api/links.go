package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
	"github.com/nerrad567/gray-logic-insteon/internal/links"
)

// linkResponse is one controller/group/responder entry with its evidence.
type linkResponse struct {
	Controller string           `json:"controller"`
	Group      uint8            `json:"group"`
	Responder  string           `json:"responder"`
	Evidence   []recordResponse `json:"evidence"`
}

// handleListLinks returns the topology, optionally narrowed to one
// controller and group.
func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var controller *insteon.Address
	if v := q.Get("controller"); v != "" {
		addr, err := insteon.ParseAddress(v)
		if err != nil {
			writeBadRequest(w, "invalid controller: "+err.Error())
			return
		}
		controller = &addr
	}
	group := -1
	if v := q.Get("group"); v != "" {
		g, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			writeBadRequest(w, "invalid group "+strconv.Quote(v))
			return
		}
		group = int(g)
	}

	out := make([]linkResponse, 0)
	for _, l := range s.links.Snapshot() {
		if controller != nil && l.Controller != *controller {
			continue
		}
		if group >= 0 && int(l.Group) != group {
			continue
		}
		out = append(out, newLinkResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": out, "count": len(out)})
}

// handleGroupDevices lists every responder of a group across all
// controllers.
func (s *Server) handleGroupDevices(w http.ResponseWriter, r *http.Request) {
	g, err := strconv.ParseUint(chi.URLParam(r, "group"), 10, 8)
	if err != nil {
		writeBadRequest(w, "group must be 0-255")
		return
	}

	devices := make([]string, 0)
	for addr := range s.links.Devices(uint8(g)) {
		devices = append(devices, addr.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": g, "devices": devices})
}

func newLinkResponse(l links.Link) linkResponse {
	evidence := make([]recordResponse, 0, len(l.Evidence))
	for _, rec := range l.Evidence {
		evidence = append(evidence, newRecordResponse(rec))
	}
	return linkResponse{
		Controller: l.Controller.String(),
		Group:      l.Group,
		Responder:  l.Responder.String(),
		Evidence:   evidence,
	}
}
