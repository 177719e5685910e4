package detector

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"polymarket-sentinel/pkg/types"
)

func fault(kind types.FaultKind) error {
	return types.NewFault(kind, "test.op", errors.New("boom"))
}

func TestDecide_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		action Action
		level  slog.Level
	}{
		{"not found proceeds", fault(types.KindNotFound), ActionProceed, slog.LevelInfo},
		{"invalid input skips", fault(types.KindInvalidInput), ActionSkip, slog.LevelWarn},
		{"bad data skips", fault(types.KindUpstreamBadData), ActionSkip, slog.LevelWarn},
		{"transport retries", fault(types.KindTransport), ActionRetry, slog.LevelWarn},
		{"timeout retries", fault(types.KindTimeout), ActionRetry, slog.LevelWarn},
		{"rate limit retries", fault(types.KindRateLimited), ActionRetry, slog.LevelWarn},
		{"circuit open skips", fault(types.KindCircuitOpen), ActionSkip, slog.LevelWarn},
		{"upstream unavailable skips", fault(types.KindUpstreamUnavailable), ActionSkip, slog.LevelWarn},
		{"lock held skips quietly", fault(types.KindLockUnavailable), ActionSkip, slog.LevelInfo},
		{"dependency down aborts", fault(types.KindDependencyUnavailable), ActionAbort, slog.LevelError},
		{"plain error skips", errors.New("unclassified"), ActionSkip, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := newFakeCounter()
			fw := NewFramework(stats, testLogger())
			d := fw.Decide(context.Background(), "forensics", tt.err)
			if d.Action != tt.action {
				t.Errorf("action = %s, want %s", d.Action, tt.action)
			}
			if d.Level != tt.level {
				t.Errorf("level = %v, want %v", d.Level, tt.level)
			}
			if stats.get("decision_"+tt.action.String()) != 1 {
				t.Errorf("counter decision_%s not bumped: %v", tt.action, stats.counts)
			}
		})
	}
}

func TestDecide_NilErrorHasNoSideEffects(t *testing.T) {
	stats := newFakeCounter()
	fw := NewFramework(stats, testLogger())
	d := fw.Decide(context.Background(), "detector", nil)
	if d.Action != ActionProceed {
		t.Errorf("action = %s, want proceed", d.Action)
	}
	if len(stats.counts) != 0 {
		t.Errorf("nil error should not touch counters: %v", stats.counts)
	}
}
