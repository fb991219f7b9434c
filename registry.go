/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Conn is one client's duplex channel as seen by the registry.
type Conn interface {
	ID() string
	Open() bool
	// Send queues data for delivery and must not block.
	Send(data []byte) error
	Close() error
}

// Registry tracks every open client connection and fans messages out to them.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
	log   zerolog.Logger
}

func newRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]Conn),
		log:   logger.With().Str("component", "registry").Logger(),
	}
}

func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Debug().
		Str("connection_id", c.ID()).
		Int("total_connections", total).
		Msg("connection registered")
}

// Unregister reports whether c was registered.
func (r *Registry) Unregister(c Conn) bool {
	r.mu.Lock()
	_, ok := r.conns[c.ID()]
	delete(r.conns, c.ID())
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.log.Debug().
			Str("connection_id", c.ID()).
			Int("total_connections", total).
			Msg("connection unregistered")
	}

	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Broadcast sends ev to every open connection except omit, which may be nil.
func (r *Registry) Broadcast(ev Event, omit Conn) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if omit != nil && c.ID() == omit.ID() {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		_ = r.deliver(c, data)
	}

	r.log.Debug().
		Str("type", string(ev.Type)).
		Int("connections", len(targets)).
		Msg("event broadcast")
}

func (r *Registry) Unicast(c Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return r.deliver(c, data)
}

// deliver drops c from the registry if it is closed or cannot accept data.
func (r *Registry) deliver(c Conn, data []byte) error {
	if !c.Open() {
		r.Unregister(c)
		return ErrConnClosed
	}

	if err := c.Send(data); err != nil {
		r.log.Warn().
			Err(err).
			Str("connection_id", c.ID()).
			Msg("send failed, dropping connection")
		r.Unregister(c)
		_ = c.Close()

		return err
	}

	return nil
}
