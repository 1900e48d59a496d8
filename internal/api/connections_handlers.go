// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/storage"
)

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	filter, err := parseConnectionFilter(r.URL.Query())
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	connections, err := s.store.ListConnections(r.Context(), filter)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if connections == nil {
		connections = []*storage.Connection{}
	}
	respondWithJSON(w, http.StatusOK, connections)
}

// setConnectionFlag builds the mark/unmark/hide/show handlers.
func (s *Server) setConnectionFlag(flag string, value bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		switch flag {
		case "marked":
			err = s.store.SetConnectionMarked(r.Context(), id, value)
		case "hidden":
			err = s.store.SetConnectionHidden(r.Context(), id, value)
		}
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseConnectionFilter(query url.Values) (storage.ConnectionFilter, error) {
	var f storage.ConnectionFilter
	var err error

	if f.ServicePort, err = queryPort(query, "service_port"); err != nil {
		return f, err
	}
	if f.ClientPort, err = queryPort(query, "client_port"); err != nil {
		return f, err
	}
	f.ClientAddress = query.Get("client_address")

	for _, raw := range query["matched_rules"] {
		id, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil || id <= 0 {
			return f, errors.Errorf(errors.KindValidation, "invalid matched_rules id: %s", raw)
		}
		f.MatchedRules = append(f.MatchedRules, storage.RowID(id))
	}

	if f.MinDuration, err = queryDurationMs(query, "min_duration"); err != nil {
		return f, err
	}
	if f.MaxDuration, err = queryDurationMs(query, "max_duration"); err != nil {
		return f, err
	}
	if f.MinBytes, err = queryInt(query, "min_bytes"); err != nil {
		return f, err
	}
	if f.MaxBytes, err = queryInt(query, "max_bytes"); err != nil {
		return f, err
	}

	if f.StartedAfter, err = queryTime(query, "started_after"); err != nil {
		return f, err
	}
	if f.StartedBefore, err = queryTime(query, "started_before"); err != nil {
		return f, err
	}
	if f.ClosedAfter, err = queryTime(query, "closed_after"); err != nil {
		return f, err
	}
	if f.ClosedBefore, err = queryTime(query, "closed_before"); err != nil {
		return f, err
	}

	if f.Marked, err = queryBool(query, "marked"); err != nil {
		return f, err
	}
	if f.Hidden, err = queryBool(query, "hidden"); err != nil {
		return f, err
	}

	if from, convErr := queryInt(query, "from"); convErr != nil {
		return f, convErr
	} else if from != nil {
		f.From = storage.RowID(*from)
	}
	if to, convErr := queryInt(query, "to"); convErr != nil {
		return f, convErr
	} else if to != nil {
		f.To = storage.RowID(*to)
	}
	if limit, convErr := queryInt(query, "limit"); convErr != nil {
		return f, convErr
	} else if limit != nil {
		f.Limit = *limit
	}
	return f, nil
}

func queryPort(query url.Values, key string) (*uint16, error) {
	raw := query.Get(key)
	if raw == "" {
		return nil, nil
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || port == 0 {
		return nil, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	p := uint16(port)
	return &p, nil
}

func queryInt(query url.Values, key string) (*int, error) {
	raw := query.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return nil, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	return &v, nil
}

// queryDurationMs reads an integer number of milliseconds.
func queryDurationMs(query url.Values, key string) (time.Duration, error) {
	raw := query.Get(key)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// queryTime accepts RFC 3339 timestamps or unix seconds.
func queryTime(query url.Values, key string) (time.Time, error) {
	raw := query.Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	return t, nil
}

func queryBool(query url.Values, key string) (*bool, error) {
	raw := query.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	return &v, nil
}
