// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"errors"
	"fmt"
)

// ErrNoPlugin is returned by Select when no registered plugin can
// produce a codec the peer accepts. This is an expected outcome of
// negotiation, not a fault: the caller decides whether to abort the
// pending stream start or keep waiting.
var ErrNoPlugin = errors.New("no capture plugin matches the requested codecs")

// Registry holds the registered capture plugins. Plugins are registered
// once during process initialization and the registry is read-only
// afterwards, so lookups need no locking.
type Registry struct {
	plugins []Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a plugin. Registration order is significant: among
// plugins of equal rank, the first registered wins selection.
func (r *Registry) Register(plugin Plugin) {
	r.plugins = append(r.plugins, plugin)
}

// Len reports the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.plugins)
}

// Select returns the best plugin for the peer's accepted codec set:
// the highest-ranked plugin whose codec is a member of accepted.
// Plugins ranked RankDontUse are skipped. Ties break in registration
// order. Returns ErrNoPlugin (wrapped) when accepted is empty or no
// usable plugin matches.
func (r *Registry) Select(accepted CodecSet) (Plugin, error) {
	var best Plugin
	for _, plugin := range r.plugins {
		if plugin.Rank() == RankDontUse {
			continue
		}
		if !accepted.Contains(plugin.Codec()) {
			continue
		}
		if best == nil || plugin.Rank() > best.Rank() {
			best = plugin
		}
	}
	if best == nil {
		return nil, fmt.Errorf("selecting capture for codecs [%s]: %w", accepted, ErrNoPlugin)
	}
	return best, nil
}
