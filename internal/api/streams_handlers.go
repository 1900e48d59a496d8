// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"strconv"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/streams"
)

// handleGetStream reconstructs the payload sequence of one connection.
// Touch notifies the lazy re-scan queue that an analyst is looking.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	query := streams.Query{Format: r.URL.Query().Get("format")}
	if query.Skip, err = queryUint(r, "skip"); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if query.Limit, err = queryUint(r, "limit"); err != nil {
		respondError(w, s.logger, err)
		return
	}

	if s.rescanner != nil {
		s.rescanner.Touch(id)
	}

	payloads, err := s.reader.ConnectionPayloads(r.Context(), id, query)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if payloads == nil {
		payloads = []*streams.Payload{}
	}
	s.metrics.StreamRequestsServed.Inc()
	respondWithJSON(w, http.StatusOK, payloads)
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	return v, nil
}
