// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package permissions implements the two pure predicates the hub consults
// before binding a name or rendezvousing two services (§4.4): whether a
// connecting peer may register a given name, and whether one registered
// service may connect to another. The policy source is a directory of
// small per-service TOML files, loaded and cached with viper the same way
// pkg/config loads the rest of the hub's configuration.
package permissions

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// servicePolicy is one <service_name>.toml file's contents: the owning
// credentials allowed to register that name, and the names it may connect
// out to.
type servicePolicy struct {
	OwnerUID     uint32   `mapstructure:"owner_uid"`
	OwnerGID     uint32   `mapstructure:"owner_gid"`
	AllowedPeers []string `mapstructure:"allowed_peers"`
}

// Oracle answers service_name_allowed / connection_allowed against a
// directory of policy files, loaded once and cached until Reload is
// called. A zero-value Oracle is not usable; use NewOracle.
type Oracle struct {
	dir string

	mu       sync.RWMutex
	policies map[string]servicePolicy
	loadErr  error
}

// NewOracle loads every *.toml file in dir into an in-memory policy table.
// A directory that doesn't exist or can't be read yields an Oracle that
// denies everything — default-deny per §4.4 — rather than an error, since
// a misconfigured hub should fail closed, not fail to start.
func NewOracle(dir string) *Oracle {
	o := &Oracle{dir: dir}
	o.Reload()

	return o
}

// Reload re-reads the policy directory, replacing the cached table.
func (o *Oracle) Reload() {
	policies, err := loadPolicies(o.dir)

	o.mu.Lock()
	o.policies = policies
	o.loadErr = err
	o.mu.Unlock()

	if err != nil {
		log.WithError(err).WithField("dir", o.dir).Warn("permissions: failed to load service policy directory, defaulting to deny-all")
	}
}

func loadPolicies(dir string) (map[string]servicePolicy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]servicePolicy{}, err
	}

	policies := make(map[string]servicePolicy, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			continue
		}

		serviceName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		vp := viper.New()
		vp.SetConfigFile(filepath.Join(dir, entry.Name()))
		vp.SetConfigType("toml")

		if err := vp.ReadInConfig(); err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("permissions: unreadable policy file, service has no policy")
			continue
		}

		var policy servicePolicy
		if err := vp.Unmarshal(&policy); err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("permissions: malformed policy file, service has no policy")
			continue
		}

		policies[serviceName] = policy
	}

	return policies, nil
}

// ServiceNameAllowed reports whether credentials may register
// requestedName. Any lookup miss, load error, or UID mismatch denies.
func (o *Oracle) ServiceNameAllowed(credentials PeerCredentials, requestedName string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.loadErr != nil {
		return false
	}

	policy, ok := o.policies[requestedName]
	if !ok {
		return false
	}

	return policy.OwnerUID == credentials.UID && policy.OwnerGID == credentials.GID
}

// ConnectionAllowed reports whether callerName may connect to targetName.
func (o *Oracle) ConnectionAllowed(callerName, targetName string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.loadErr != nil {
		return false
	}

	policy, ok := o.policies[callerName]
	if !ok {
		return false
	}

	for _, peer := range policy.AllowedPeers {
		if peer == targetName {
			return true
		}
	}

	return false
}
