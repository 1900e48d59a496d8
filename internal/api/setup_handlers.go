// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"acheron.dev/acheron/internal/config"
	"acheron.dev/acheron/internal/rules"
)

const flagRuleColor = "#e53935"

// handleSetup bootstraps the application: it validates and persists the
// runtime settings and materializes the flag rule from flag_regex. Running
// it again replaces the settings and repoints the flag rule.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var settings config.Settings
	if err := s.decodeJSON(w, r, &settings); err != nil {
		respondError(w, s.logger, err)
		return
	}
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		respondError(w, s.logger, err)
		return
	}

	if err := s.store.SaveSettings(r.Context(), &settings); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if err := s.ensureFlagRule(r, settings.FlagRegex); err != nil {
		respondError(w, s.logger, err)
		return
	}

	s.settingsMu.Lock()
	s.settings = settings
	s.configured = true
	s.settingsMu.Unlock()

	s.logger.Info("application configured",
		"server_address", settings.ServerAddress, "auth_required", settings.AuthRequired)
	respondWithJSON(w, http.StatusAccepted, settings)
}

// ensureFlagRule creates the rule named "flag", or patches its pattern when
// setup runs again with a different regex.
func (s *Server) ensureFlagRule(r *http.Request, regex string) error {
	patterns := []rules.Pattern{{Regex: regex}}

	for _, rule := range s.registry.ListRules() {
		if rule.Name != "flag" {
			continue
		}
		if len(rule.Patterns) == 1 && rule.Patterns[0].Regex == regex {
			return nil
		}
		_, err := s.registry.UpdateRule(r.Context(), rule.ID, rules.RulePatch{
			Patterns: &patterns,
		})
		return err
	}

	_, err := s.registry.AddRule(r.Context(), rules.Rule{
		Name:     "flag",
		Color:    flagRuleColor,
		Enabled:  true,
		Patterns: patterns,
	})
	return err
}

// handleGetSettings returns the active settings with credentials removed.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, _ := s.currentSettings()
	accounts := make(map[string]string, len(settings.Accounts))
	for username := range settings.Accounts {
		accounts[username] = ""
	}
	settings.Accounts = accounts
	respondWithJSON(w, http.StatusOK, settings)
}
