package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
	"github.com/nerrad567/gray-logic-insteon/internal/bridges/plm"
	"github.com/nerrad567/gray-logic-insteon/internal/fleet"
	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

// deviceResponse summarises one cached link table.
type deviceResponse struct {
	plm.StatusMessage
	Modem    bool `json:"modem"`
	Pending  int  `json:"pending"`
	Read     int  `json:"last_read"`
	Accepted int  `json:"last_accepted"`
	Changed  int  `json:"last_changed"`
}

// recordResponse is one cached record.
type recordResponse struct {
	Slot      string `json:"slot"`
	InUse     bool   `json:"in_use"`
	Direction string `json:"direction,omitempty"`
	Group     uint8  `json:"group"`
	Peer      string `json:"peer"`
	Data      string `json:"data"`
	Raw       string `json:"raw"`
}

func (s *Server) newDeviceResponse(db *aldb.Database) deviceResponse {
	last := db.LastLoad()
	return deviceResponse{
		StatusMessage: plm.NewStatusMessage(db),
		Modem:         db == s.fleet.Modem(),
		Pending:       len(db.Pending()),
		Read:          last.Read,
		Accepted:      last.Accepted,
		Changed:       last.Changed,
	}
}

func newRecordResponse(rec aldb.Record) recordResponse {
	var direction string
	if !rec.IsHighWaterMark() {
		direction = rec.Direction.String()
	}
	return recordResponse{
		Slot:      plm.FormatSlot(rec.Address),
		InUse:     rec.InUse,
		Direction: direction,
		Group:     rec.Group,
		Peer:      rec.Peer.String(),
		Data:      fmt.Sprintf("%02X%02X%02X", rec.Data[0], rec.Data[1], rec.Data[2]),
		Raw:       plm.EncodeRecord(rec),
	}
}

// handleListDevices returns every table, modem first, then by address.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.fleet.Devices()
	dbs := make([]*aldb.Database, 0, len(devices))
	for _, db := range devices {
		dbs = append(dbs, db)
	}
	slices.SortFunc(dbs, func(a, b *aldb.Database) int {
		return a.Device().Compare(b.Device())
	})

	out := make([]deviceResponse, 0, len(dbs)+1)
	out = append(out, s.newDeviceResponse(s.fleet.Modem()))
	for _, db := range dbs {
		out = append(out, s.newDeviceResponse(db))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.newDeviceResponse(db))
}

// handleListRecords returns the cached records of one device, optionally
// filtered by group, direction and peer.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	match, err := recordFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	recs := db.Find(match)
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":  db.Device().String(),
		"status":  db.Status().String(),
		"records": out,
		"count":   len(out),
	})
}

// recordFilter builds a Find predicate from the query string.
func recordFilter(r *http.Request) (func(aldb.Record) bool, error) {
	q := r.URL.Query()

	var (
		group     = -1
		direction aldb.Direction
		peer      *insteon.Address
	)
	if v := q.Get("group"); v != "" {
		g, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid group %q", v)
		}
		group = int(g)
	}
	switch v := q.Get("direction"); v {
	case "":
	case "controller":
		direction = aldb.Controller
	case "responder":
		direction = aldb.Responder
	default:
		return nil, fmt.Errorf("invalid direction %q (use controller or responder)", v)
	}
	if v := q.Get("peer"); v != "" {
		addr, err := insteon.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("invalid peer: %w", err)
		}
		peer = &addr
	}

	return func(rec aldb.Record) bool {
		if group >= 0 && int(rec.Group) != group {
			return false
		}
		if direction != 0 && rec.Direction != direction {
			return false
		}
		if peer != nil && rec.Peer != *peer {
			return false
		}
		return true
	}, nil
}

// handleLoadDevice reads one table from the device and reports the
// outcome. A partial load is still a 200; a load that accepted nothing is
// reported as a bad gateway.
func (s *Server) handleLoadDevice(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")) //nolint:errcheck // Anything else means false
	status, err := s.fleet.Load(r.Context(), db.Device(), aldb.LoadOptions{Refresh: refresh})
	if errors.Is(err, aldb.ErrLoadInProgress) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "a load or write is already running for this device")
		return
	}

	resp := s.newDeviceResponse(db)
	s.hub.Broadcast(ChannelStatus, db.Device().String(), resp)

	code := http.StatusOK
	body := map[string]any{"device": resp}
	if err != nil {
		body["error"] = err.Error()
		if status == aldb.StatusFailed {
			code = http.StatusBadGateway
		}
	}
	writeJSON(w, code, body)
}

// lookupDevice resolves the {address} URL parameter, writing the error
// response itself when it fails.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*aldb.Database, bool) {
	addr, err := insteon.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return nil, false
	}
	db, err := s.fleet.Device(addr)
	if errors.Is(err, fleet.ErrUnknownDevice) {
		writeNotFound(w, "device not found")
		return nil, false
	}
	if err != nil {
		writeInternalError(w, "failed to look up device")
		return nil, false
	}
	return db, true
}
