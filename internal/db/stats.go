package db

import "time"

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	IssuedConns     int    `json:"issued_conns"`
	IdleConns       int    `json:"idle_conns"`
	AcquiredConns   int    `json:"acquired_conns"`
	MaxConns        int    `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	HeldDuration    string `json:"held_duration"`
	LongHolds       int64  `json:"long_holds"`
	CreatedConns    int64  `json:"created_conns"`
	DiscardedConns  int64  `json:"discarded_conns"`
	ExhaustedCount  int64  `json:"exhausted_count"`
	Healthy         bool   `json:"healthy"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	issued := p.issued
	p.mu.Unlock()

	idle := len(p.idle)
	acquired := issued - idle
	if acquired < 0 {
		acquired = 0
	}

	return PoolStats{
		IssuedConns:     issued,
		IdleConns:       idle,
		AcquiredConns:   acquired,
		MaxConns:        p.cfg.Max,
		AcquireCount:    p.acquireCount.Load(),
		AcquireDuration: time.Duration(p.acquireWaitNs.Load()).String(),
		HeldDuration:    time.Duration(p.heldNs.Load()).String(),
		LongHolds:       p.longHoldCount.Load(),
		CreatedConns:    p.createdCount.Load(),
		DiscardedConns:  p.discardedCount.Load(),
		ExhaustedCount:  p.exhaustedCount.Load(),
		Healthy:         !p.isClosed(),
	}
}
