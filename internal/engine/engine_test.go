package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/detector"
	"polymarket-sentinel/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.NewFromRedis(rdb, testLogger())
	return &Engine{
		logger:    testLogger(),
		cache:     c,
		decisions: detector.NewFramework(c, testLogger()),
	}
}

func TestRunStep_RetryOnceThenSucceed(t *testing.T) {
	e := testEngine(t)
	calls := 0
	action, err := e.runStep(context.Background(), "detector", func() error {
		calls++
		if calls == 1 {
			return types.NewFault(types.KindTransport, "test.op", errors.New("conn reset"))
		}
		return nil
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if action != detector.ActionProceed || err != nil {
		t.Errorf("action = %s err = %v, want proceed", action, err)
	}
}

func TestRunStep_SecondTransientBecomesSkip(t *testing.T) {
	e := testEngine(t)
	calls := 0
	action, err := e.runStep(context.Background(), "forensics", func() error {
		calls++
		return types.NewFault(types.KindTimeout, "test.op", errors.New("deadline"))
	})
	if calls != 2 {
		t.Errorf("calls = %d, want exactly one retry", calls)
	}
	if action != detector.ActionSkip {
		t.Errorf("action = %s, want skip after retry exhaustion", action)
	}
	if err == nil {
		t.Error("last error must surface for dead-lettering")
	}
}

func TestRunStep_PermanentErrorNotRetried(t *testing.T) {
	e := testEngine(t)
	calls := 0
	action, _ := e.runStep(context.Background(), "detector", func() error {
		calls++
		return types.NewFault(types.KindUpstreamBadData, "test.op", errors.New("schema drift"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, permanent errors get no retry", calls)
	}
	if action != detector.ActionSkip {
		t.Errorf("action = %s, want skip", action)
	}
}

func TestRunStep_DependencyDownAborts(t *testing.T) {
	e := testEngine(t)
	action, _ := e.runStep(context.Background(), "persister", func() error {
		return types.NewFault(types.KindDependencyUnavailable, "db.upsert", errors.New("pool closed"))
	})
	if action != detector.ActionAbort {
		t.Errorf("action = %s, want abort", action)
	}
}

func TestHealth_BeforeStart(t *testing.T) {
	e := New(nil, testLogger())
	h := e.Health(context.Background())
	if h.CacheOK || h.DatabaseOK {
		t.Errorf("unstarted engine must not report healthy infrastructure: %+v", h)
	}
	if h.Breakers == nil {
		t.Error("breaker map must be non-nil")
	}
}
