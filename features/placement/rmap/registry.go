// Package rmap implements the session placement registry over a Pulse
// replicated map. Every instance joins the same map; writes propagate to all
// members, so any instance can answer where a room lives without touching
// the instance that hosts it.
package rmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/pilot/session"
	"goa.design/pilot/telemetry"
)

// MapName is the replicated map holding room placements.
const MapName = "pilot:sessions"

type (
	// Map is the subset of rmap.Map the registry uses. Tests substitute a
	// fake; production passes the map joined by Join.
	Map interface {
		Set(ctx context.Context, key, value string) (string, error)
		Get(key string) (string, bool)
		Delete(ctx context.Context, key string) (string, error)
		Keys() []string
		Close()
	}

	// Options configures the registry.
	Options struct {
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Registry implements session.Registry over a replicated map.
	Registry struct {
		m   Map
		log telemetry.Logger
	}
)

var _ session.Registry = (*Registry)(nil)

// Join joins the placement map on the given Redis connection and wraps it in
// a registry.
func Join(ctx context.Context, rdb *redis.Client, opts Options) (*Registry, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	m, err := rmap.Join(ctx, MapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join placement map: %w", err)
	}
	return New(m, opts)
}

// New wraps an already joined map.
func New(m Map, opts Options) (*Registry, error) {
	if m == nil {
		return nil, errors.New("placement map is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{m: m, log: logger}, nil
}

// Register records that this instance hosts room.
func (r *Registry) Register(ctx context.Context, room string, p session.Placement) error {
	return r.put(ctx, room, p)
}

// Update refreshes the placement of a hosted room.
func (r *Registry) Update(ctx context.Context, room string, p session.Placement) error {
	return r.put(ctx, room, p)
}

func (r *Registry) put(ctx context.Context, room string, p session.Placement) error {
	if room == "" {
		return errors.New("room is required")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal placement: %w", err)
	}
	if _, err := r.m.Set(ctx, room, string(b)); err != nil {
		return fmt.Errorf("set placement: %w", err)
	}
	return nil
}

// Deregister removes the room from the map.
func (r *Registry) Deregister(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("room is required")
	}
	if _, err := r.m.Delete(ctx, room); err != nil {
		return fmt.Errorf("delete placement: %w", err)
	}
	return nil
}

// Lookup returns the placement of a room, if registered. A record that does
// not decode is treated as absent and logged; a stale entry must not wedge
// every lookup of the room.
func (r *Registry) Lookup(ctx context.Context, room string) (session.Placement, bool, error) {
	v, ok := r.m.Get(room)
	if !ok {
		return session.Placement{}, false, nil
	}
	var p session.Placement
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		r.log.Warn(ctx, "undecodable placement record", "room", room, "err", err)
		return session.Placement{}, false, nil
	}
	return p, true, nil
}

// Rooms lists every registered room.
func (r *Registry) Rooms() []string {
	return r.m.Keys()
}

// Close leaves the placement map.
func (r *Registry) Close() {
	r.m.Close()
}
