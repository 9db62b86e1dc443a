package execgate

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBootSeedsOnlyOnFirstRun(t *testing.T) {
	t.Parallel()
	store := shared.New(nil)

	g, err := New(store, types.ModeDry, false, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if g.Mode() != types.ModeDry {
		t.Fatalf("boot mode = %s", g.Mode())
	}
	if err := g.SetMode(types.ModeDry, types.ModeLive); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	// A rebooted gate must keep the operator's LIVE, not the config DRY.
	g2, err := New(store, types.ModeDry, false, testLogger())
	if err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if g2.Mode() != types.ModeLive {
		t.Errorf("reboot mode = %s, want LIVE", g2.Mode())
	}
}

func TestSetModeIsCompareAndSet(t *testing.T) {
	t.Parallel()
	store := shared.New(nil)
	g, _ := New(store, types.ModeDry, false, testLogger())

	if err := g.SetMode(types.ModeLive, types.ModeDry); err == nil {
		t.Error("stale expected-mode accepted")
	}
	if err := g.SetMode(types.ModeDry, types.ModeLive); err != nil {
		t.Errorf("valid transition refused: %v", err)
	}
	if err := g.SetMode(types.ModeLive, "YOLO"); err == nil {
		t.Error("invalid target mode accepted")
	}
}

func TestEmergencyStopBlocks(t *testing.T) {
	t.Parallel()
	store := shared.New(nil)
	g, _ := New(store, types.ModeLive, false, testLogger())

	if r := g.Blocked(); r != "" {
		t.Fatalf("blocked at boot: %s", r)
	}
	if err := g.SetEmergencyStop(true); err != nil {
		t.Fatalf("engage: %v", err)
	}
	if r := g.Blocked(); r != types.ReasonEmergencyStop {
		t.Errorf("blocked = %q, want EMERGENCY_STOP", r)
	}
	if err := g.SetEmergencyStop(false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if r := g.Blocked(); r != "" {
		t.Errorf("still blocked after release: %s", r)
	}
}

func TestCorruptModeFailsClosedToDry(t *testing.T) {
	t.Parallel()
	store := shared.New(nil)
	g, _ := New(store, types.ModeLive, false, testLogger())

	store.Set("exec:mode", "garbage", 0)
	if g.Mode() != types.ModeDry {
		t.Errorf("corrupt mode read as %s, want DRY", g.Mode())
	}
}

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, time.Minute)
	now := time.Now()
	tb.now = func() time.Time { return now }

	if !tb.Allow("u1") || !tb.Allow("u1") {
		t.Fatal("initial capacity refused")
	}
	if tb.Allow("u1") {
		t.Error("over-capacity allowed")
	}
	// Independent keys do not share tokens.
	if !tb.Allow("u2") {
		t.Error("second key starved")
	}

	now = now.Add(30 * time.Second) // refills one token at 2/min
	if !tb.Allow("u1") {
		t.Error("refill not applied")
	}
	if tb.Allow("u1") {
		t.Error("refill over-credited")
	}
}
