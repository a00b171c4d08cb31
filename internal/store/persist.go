package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/adp-engine/go-core/pkg/types"
)

// snapshot is the on-disk layout: five logical collections in one JSON file.
type snapshot struct {
	Agents      []*types.Agent      `json:"agents"`
	Users       []*types.User       `json:"users"`
	Delegations []*types.Delegation `json:"delegations"`
	Tokens      tokenSnapshot       `json:"tokens"`
	Activities  []*types.Activity   `json:"activities"`
}

type tokenSnapshot struct {
	Active  []ActiveToken `json:"active"`
	Revoked []string      `json:"revoked"`
}

// persistLocked serializes the current state and atomically replaces the
// snapshot file (write to temp, rename). Callers hold the write lock and
// revert their mutation when an error comes back.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	snap := snapshot{
		Tokens: tokenSnapshot{Active: []ActiveToken{}, Revoked: []string{}},
	}
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, a)
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for _, d := range s.delegations {
		snap.Delegations = append(snap.Delegations, d)
	}
	for _, t := range s.active {
		snap.Tokens.Active = append(snap.Tokens.Active, t)
	}
	for tok := range s.revoked {
		snap.Tokens.Revoked = append(snap.Tokens.Revoked, tok)
	}
	sort.Strings(snap.Tokens.Revoked)
	snap.Activities = s.activities

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// load restores a snapshot. A missing file starts the store empty; a corrupt
// file is an error so operators notice rather than silently losing the
// revocation set.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(s.path); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("create state directory: %w", err)
				}
			}
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode state file %s: %w", s.path, err)
	}

	for _, a := range snap.Agents {
		if err := a.Validate(); err != nil {
			s.logger.Warn("Skipping invalid persisted agent", zap.String("id", a.ID), zap.Error(err))
			continue
		}
		s.agents[a.ID] = a
	}
	for _, u := range snap.Users {
		s.users[u.Username] = u
	}
	for _, d := range snap.Delegations {
		if err := d.Validate(); err != nil {
			s.logger.Warn("Skipping invalid persisted delegation", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		s.delegations[d.ID] = d
	}
	for _, t := range snap.Tokens.Active {
		s.active[t.Token] = t
	}
	for _, tok := range snap.Tokens.Revoked {
		s.revoked[tok] = struct{}{}
	}
	s.activities = snap.Activities
	if len(s.activities) > activityRingSize {
		s.activities = s.activities[len(s.activities)-activityRingSize:]
	}

	s.logger.Info("State restored",
		zap.Int("agents", len(s.agents)),
		zap.Int("users", len(s.users)),
		zap.Int("delegations", len(s.delegations)),
		zap.Int("revoked_tokens", len(s.revoked)),
	)
	return nil
}
