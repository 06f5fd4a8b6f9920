package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/payload counter.
var Stats = &stats{}

type stats struct {
	SignalsSent  atomic.Int64 // signaling frames written to the relay
	SignalsRecv  atomic.Int64 // signaling frames read from the relay
	SignalsDrop  atomic.Int64 // inbound frames dropped (malformed, unknown, self-echo)
	PayloadsSent atomic.Int64 // application payloads written to the data channel
	PayloadsRecv atomic.Int64 // application payloads read from the data channel
	BytesSent    atomic.Int64 // payload bytes written to the data channel
	BytesRecv    atomic.Int64 // payload bytes read from the data channel
}

func (s *stats) AddSignalSent() { s.SignalsSent.Add(1) }
func (s *stats) AddSignalRecv() { s.SignalsRecv.Add(1) }
func (s *stats) AddSignalDrop() { s.SignalsDrop.Add(1) }

func (s *stats) AddPayloadSent(n int) {
	s.PayloadsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddPayloadRecv(n int) {
	s.PayloadsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling and payload
// statistics every interval. Quiet intervals are skipped. It stops when ctx
// is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSigOut, prevSigIn, prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sigOut := Stats.SignalsSent.Load()
				sigIn := Stats.SignalsRecv.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				if sigOut != prevSigOut || sigIn != prevSigIn || sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(formatStats(sigOut-prevSigOut, sigIn-prevSigIn, sent-prevSent, recv-prevRecv))
				}

				prevSigOut = sigOut
				prevSigIn = sigIn
				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of one reporting interval.
func formatStats(sigOut, sigIn, sent, recv int64) string {
	return fmt.Sprintf("Signal: %3d↑ %3d↓ | Data: %s↑ %s↓",
		sigOut,
		sigIn,
		formatBytes(float64(sent)),
		formatBytes(float64(recv)),
	)
}
