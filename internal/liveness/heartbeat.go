// Package liveness writes a heartbeat marker so operators and the other agent
// can tell whether this role's process is alive.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"handoff/internal/domain"
)

const FileName = "heartbeat.json"

// beats counts heartbeats written by this process.
var beats atomic.Int64

// Beats returns the number of heartbeats written since process start.
func Beats() int64 { return beats.Load() }

// Marker is the content of heartbeat.json.
type Marker struct {
	TS    string      `json:"ts"`
	Role  domain.Role `json:"role"`
	PID   int         `json:"pid"`
	Beats int64       `json:"beats"`
}

type Heartbeat struct {
	Path     string
	Role     domain.Role
	Interval time.Duration
	Log      *slog.Logger
	Now      func() time.Time
}

// Beat writes one marker atomically.
func (h Heartbeat) Beat() (Marker, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	m := Marker{TS: domain.FormatTime(now()), Role: h.Role, PID: os.Getpid(), Beats: beats.Add(1)}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, err
	}
	if err := os.MkdirAll(filepath.Dir(h.Path), 0o755); err != nil {
		return m, fmt.Errorf("heartbeat dir: %w", err)
	}
	tmp := h.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return m, fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, h.Path); err != nil {
		_ = os.Remove(tmp)
		return m, fmt.Errorf("rename heartbeat: %w", err)
	}
	return m, nil
}

// Run beats every interval until ctx is done.
func (h Heartbeat) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := h.Beat(); err != nil {
			log.Warn("heartbeat failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Read returns the marker at path.
func Read(path string) (Marker, error) {
	var m Marker
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse heartbeat: %w", err)
	}
	return m, nil
}

// Age reports how long ago the marker at path was written. ok is false when
// there is no readable marker.
func Age(path string, now time.Time) (time.Duration, bool) {
	m, err := Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Default().Debug("heartbeat unreadable", "path", path, "err", err)
		}
		return 0, false
	}
	ts, err := domain.ParseTime(m.TS)
	if err != nil {
		return 0, false
	}
	return now.Sub(ts), true
}
