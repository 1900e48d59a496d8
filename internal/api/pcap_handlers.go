// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/storage"
)

// uploadLimitBytes bounds multipart capture uploads, not the JSON body limit.
const uploadLimitBytes = 1 << 30

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.captures.Sessions(r.Context())
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.PcapSession{}
	}
	respondWithJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	sess, err := s.captures.Session(r.Context(), id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sess)
}

// handleUploadPcap ingests a multipart capture upload. Fields: file (the
// capture), flush_all (optional bool).
func (s *Server) handleUploadPcap(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, uploadLimitBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, s.logger,
			errors.Wrap(err, errors.KindValidation, "missing file field"))
		return
	}
	defer file.Close()

	flushAll, err := formBool(r, "flush_all")
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	sess, err := s.captures.UploadSession(r.Context(), file, flushAll)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, sess)
}

// handleFilePcap ingests a capture already on the server's filesystem.
func (s *Server) handleFilePcap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File               string `json:"file"`
		FlushAll           bool   `json:"flush_all"`
		DeleteOriginalFile bool   `json:"delete_original_file"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if req.File == "" {
		respondError(w, s.logger, errors.New(errors.KindValidation, "file path required"))
		return
	}

	sess, err := s.captures.FileSession(r.Context(), req.File, req.DeleteOriginalFile, req.FlushAll)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, sess)
}

// handleStartLive opens a live capture on a named interface.
func (s *Server) handleStartLive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interface string `json:"interface"`
		BPFFilter string `json:"bpf_filter"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if req.Interface == "" {
		respondError(w, s.logger, errors.New(errors.KindValidation, "interface required"))
		return
	}

	sess, err := s.captures.LiveSession(r.Context(), req.Interface, req.BPFFilter)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleStopLive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if err := s.captures.StopSession(id); err != nil {
		respondError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadSession serves back the stored capture file byte-identical.
func (s *Server) handleDownloadSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	path, err := s.captures.SessionFile(r.Context(), id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="session-%d.pcap"`, int64(id)))
	http.ServeFile(w, r, path)
}

func formBool(r *http.Request, key string) (bool, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Errorf(errors.KindValidation, "invalid %s: %s", key, raw)
	}
	return v, nil
}
