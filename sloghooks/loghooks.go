// Package sloghooks logs query events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling for the noisy events; 0 or 1 logs all.
	RetryEvery     uint64
	LifecycleEvery uint64 // QueryAdded/QueryRemoved

	// Redact maps a query hash before logging; query keys may carry user
	// data. nil => first 8 bytes of its SHA-256, hex.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	retryCtr     atomic.Uint64
	lifecycleCtr atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(hash string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(hash)
	}
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) QueryAdded(hash string) {
	if h.l == nil || !sample(h.opts.LifecycleEvery, &h.lifecycleCtr) {
		return
	}
	h.l.Debug("querycache.query_added", "query", h.redact(hash))
}

func (h *Hooks) QueryRemoved(hash, reason string) {
	if h.l == nil || !sample(h.opts.LifecycleEvery, &h.lifecycleCtr) {
		return
	}
	h.l.Debug("querycache.query_removed", "query", h.redact(hash), "reason", reason)
}

func (h *Hooks) FetchRetry(hash string, failureCount int, err error) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Info("querycache.fetch_retry",
		"query", h.redact(hash),
		"failure_count", failureCount,
		"err", err)
}

func (h *Hooks) FetchFailed(hash string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.fetch_failed", "query", h.redact(hash), "err", err)
}

func (h *Hooks) FetchCancelled(hash string, revert, silent bool) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.fetch_cancelled",
		"query", h.redact(hash),
		"revert", revert,
		"silent", silent)
}

func (h *Hooks) FetchPaused(hash string) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.fetch_paused", "query", h.redact(hash))
}
