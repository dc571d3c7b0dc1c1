// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package hub

import (
	"fmt"
	"time"

	"github.com/asdine/storm/v3"
	log "github.com/sirupsen/logrus"
)

// ServiceStats is the per-service-name record the operational stats store
// keeps, mirroring the shape of the teacher's own storm-backed PeerJSON
// record (`storm:"id"` primary key, a handful of plain fields) (§4.7).
type ServiceStats struct {
	Name              string    `storm:"id"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `storm:"index" json:"last_seen"`
	ConnectionCount   uint64    `json:"connection_count"`
	CurrentConnection uint64    `json:"current_connections"`
}

// StatsStore persists ServiceStats in an embedded storm/bolt database.
// Opening it is fatal to hub startup (§9 open question resolution); every
// write afterward is best-effort and only logged on failure.
type StatsStore struct {
	db *storm.DB
}

// OpenStatsStore opens (creating if absent) the stats database at path.
func OpenStatsStore(path string) (*StatsStore, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}

	return &StatsStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *StatsStore) Close() error {
	return s.db.Close()
}

// Touch records a registration: creates the record on first sight, bumps
// LastSeen otherwise.
func (s *StatsStore) Touch(name string) {
	var existing ServiceStats

	err := s.db.One("Name", name, &existing)
	switch {
	case err == nil:
		existing.LastSeen = time.Now()
	case err == storm.ErrNotFound:
		existing = ServiceStats{Name: name, FirstSeen: time.Now(), LastSeen: time.Now()}
	default:
		log.WithError(err).WithField("service", name).Warn("stats: failed to read record on touch")
		return
	}

	if err := s.db.Save(&existing); err != nil {
		log.WithError(err).WithField("service", name).Warn("stats: failed to save record on touch")
	}
}

// IncrementConnections bumps both the lifetime and live connection
// counters for name. Best-effort: a store failure here never fails the
// rendezvous it is bookkeeping for (§4.5, §4.7).
func (s *StatsStore) IncrementConnections(name string) {
	var existing ServiceStats
	if err := s.db.One("Name", name, &existing); err != nil {
		log.WithError(err).WithField("service", name).Warn("stats: failed to read record on connect")
		return
	}

	existing.ConnectionCount++
	existing.CurrentConnection++
	existing.LastSeen = time.Now()

	if err := s.db.Save(&existing); err != nil {
		log.WithError(err).WithField("service", name).Warn("stats: failed to save record on connect")
	}
}

// Remove deletes name's record entirely, called on Terminated: dropping
// the whole record both removes the name table's last trace of the client
// and implicitly zeroes its connection gauge (§4.5, §4.7).
func (s *StatsStore) Remove(name string) {
	if err := s.db.DeleteStruct(&ServiceStats{Name: name}); err != nil && err != storm.ErrNotFound {
		log.WithError(err).WithField("service", name).Warn("stats: failed to delete record")
	}
}

// Get returns one service's stats, for the introspection API (§4.7).
func (s *StatsStore) Get(name string) (ServiceStats, error) {
	var stats ServiceStats
	err := s.db.One("Name", name, &stats)

	return stats, err
}

// All returns every currently-tracked service's stats.
func (s *StatsStore) All() ([]ServiceStats, error) {
	var all []ServiceStats
	err := s.db.All(&all)

	return all, err
}
