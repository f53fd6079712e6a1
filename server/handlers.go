package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/archive"
	"github.com/wolfeidau/dataserver/pipeline"
	"github.com/wolfeidau/dataserver/store"
	"github.com/wolfeidau/dataserver/telemetry"
)

// statsResponse is the body of GET /stats.
type statsResponse struct {
	Blocks  map[dataserver.BlockType]int `json:"blocks,omitempty"`
	Archive *archive.Stats               `json:"archive,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports stored block counts and archive forwarder counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	if c, ok := s.store.(store.Counter); ok {
		counts, err := c.CountByBlockType(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Blocks = counts

		gauge := make(map[string]int, len(counts))
		for t, n := range counts {
			gauge[t.String()] = n
		}
		telemetry.RecordStoredBlocks(r.Context(), gauge)
	}
	if s.forwarder != nil {
		stats := s.forwarder.Stats()
		resp.Archive = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePush ingests one envelope.
// Responds 200 true when stored, 200 false on checksum mismatch, 400 for
// malformed input, 409 for a duplicate name, 413 when the envelope or its
// payload is over a size limit and 503 when the store fails.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var env dataserver.DataEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		telemetry.SetOutcome(r, telemetry.OutcomeInvalid)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "envelope too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.SetBlockName(r, env.Header.Name)
	if env.Header.BlockType.Valid() {
		telemetry.SetBlockType(r, env.Header.BlockType.String())
	}

	result, err := s.ingester.Ingest(r.Context(), env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result == pipeline.Accepted {
		telemetry.SetOutcome(r, telemetry.OutcomeAccepted)
	} else {
		telemetry.SetOutcome(r, telemetry.OutcomeRejected)
	}
	writeJSON(w, http.StatusOK, result == pipeline.Accepted)
}

// handleQuery returns every envelope with the requested block type.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	blockType, err := dataserver.ParseBlockType(r.PathValue("blockType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetBlockType(r, blockType.String())

	envs, err := s.querier.GetByBlockType(r.Context(), blockType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

// handleUpdate reclassifies a named block and reports whether it existed.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	telemetry.SetBlockName(r, name)

	blockType, err := dataserver.ParseBlockType(r.PathValue("newBlockType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetBlockType(r, blockType.String())

	ok, err := s.reclassifier.Reclassify(r.Context(), name, blockType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if ok {
		telemetry.SetOutcome(r, telemetry.OutcomeAccepted)
	} else {
		telemetry.SetOutcome(r, telemetry.OutcomeRejected)
	}
	writeJSON(w, http.StatusOK, ok)
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	outcome := telemetry.OutcomeError
	switch {
	case dataserver.IsInvalid(err):
		status = http.StatusBadRequest
		outcome = telemetry.OutcomeInvalid
	case errors.Is(err, store.ErrDuplicateName):
		status = http.StatusConflict
		outcome = telemetry.OutcomeRejected
	case errors.Is(err, store.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
		outcome = telemetry.OutcomeInvalid
	case errors.Is(err, store.ErrPersistence):
		status = http.StatusServiceUnavailable
	}
	telemetry.SetOutcome(r, outcome)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
