// Package stream holds on-chain payment stream value types and the pure
// arithmetic the engine performs on them.
package stream

import (
	"math/big"
	"time"
)

// Snapshot is a point-in-time read of a stream's on-chain state. It is
// immutable once read; the next successful poll supersedes it.
type Snapshot struct {
	Recipient     string
	RatePerSecond *big.Int
	LastTimestamp int64 // unix seconds of the last on-chain accrual update
	Accrued       *big.Int
	Paused        bool
}

// Zero reports whether the snapshot has never been populated.
func (s Snapshot) Zero() bool {
	return s.Recipient == "" && s.RatePerSecond == nil && s.Accrued == nil
}

// Project computes the displayable streamed total at wall-clock time now.
// While paused the total is frozen at Accrued; while unpaused it grows by
// RatePerSecond for every elapsed second since LastTimestamp. A snapshot
// that was never populated projects zero.
func (s Snapshot) Project(now time.Time) *big.Int {
	if s.Zero() {
		return new(big.Int)
	}

	accrued := new(big.Int)
	if s.Accrued != nil {
		accrued.Set(s.Accrued)
	}
	if s.Paused || s.RatePerSecond == nil {
		return accrued
	}

	elapsed := now.Unix() - s.LastTimestamp
	if elapsed <= 0 {
		return accrued
	}

	extra := new(big.Int).Mul(s.RatePerSecond, big.NewInt(elapsed))
	return accrued.Add(accrued, extra)
}
