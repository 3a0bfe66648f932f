package core

import "sync/atomic"

// HeightSource supplies the monotonic clock/height value stamped on records.
type HeightSource interface {
	Height() uint64
}

// HeightFunc adapts a function to HeightSource.
type HeightFunc func() uint64

// Height implements HeightSource.
func (f HeightFunc) Height() uint64 { return f() }

// ManualHeight is a settable height, mainly for tests and replays.
type ManualHeight struct {
	v atomic.Uint64
}

// NewManualHeight returns a ManualHeight starting at h.
func NewManualHeight(h uint64) *ManualHeight {
	m := &ManualHeight{}
	m.v.Store(h)
	return m
}

// Height implements HeightSource.
func (m *ManualHeight) Height() uint64 { return m.v.Load() }

// Set moves the height to h.
func (m *ManualHeight) Set(h uint64) { m.v.Store(h) }

// Advance adds n and returns the new height.
func (m *ManualHeight) Advance(n uint64) uint64 { return m.v.Add(n) }

// CounterHeight yields start+1, start+2, ... on successive calls.
type CounterHeight struct {
	v atomic.Uint64
}

// NewCounterHeight returns a counter that continues after start.
func NewCounterHeight(start uint64) *CounterHeight {
	c := &CounterHeight{}
	c.v.Store(start)
	return c
}

// Height implements HeightSource.
func (c *CounterHeight) Height() uint64 { return c.v.Add(1) }
