// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"acheron.dev/acheron/internal/rules"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.registry.ListRules())
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	rule, err := s.registry.GetRule(id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := s.decodeJSON(w, r, &rule); err != nil {
		respondError(w, s.logger, err)
		return
	}
	id, err := s.registry.AddRule(r.Context(), rule)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	created, err := s.registry.GetRule(id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	var patch rules.RulePatch
	if err := s.decodeJSON(w, r, &patch); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if _, err := s.registry.UpdateRule(r.Context(), id, patch); err != nil {
		respondError(w, s.logger, err)
		return
	}
	updated, err := s.registry.GetRule(id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}
