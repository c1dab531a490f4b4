package pool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/avshutov/proxyhub/registry"
)

func newTestPool(t *testing.T, addrs []string, cfg registry.Config) (*Pool, *registry.List) {
	t.Helper()
	cfg.List = addrs
	reg, err := registry.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(reg, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p, reg
}

func TestAcquireRelease_BasicRotation(t *testing.T) {
	p, _ := newTestPool(t, []string{"a", "b"}, registry.Config{})

	a1, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if a1 == a2 {
		t.Fatalf("expected distinct addresses, got %v twice", a1)
	}

	free, used, _, _ := p.Counts()
	if free != 0 || used != 2 {
		t.Fatalf("free=%d used=%d, want free=0 used=2", free, used)
	}

	if err := p.Release(a1, false, nil, nil); err != nil {
		t.Fatal(err)
	}
	free, used, _, _ = p.Counts()
	if free != 1 || used != 1 {
		t.Fatalf("free=%d used=%d after release", free, used)
	}
}

func TestAcquire_TimesOutWhenExhausted(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	if _, err := p.Acquire(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	timeout := 50 * time.Millisecond
	_, err := p.Acquire(context.Background(), &timeout)
	if err != ErrNoFreeProxies {
		t.Fatalf("expected ErrNoFreeProxies, got %v", err)
	}
}

func TestRelease_BadWithExplicitHoldout_GoesToCooldownAndBlacklist(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	holdout := time.Hour
	reason := "timeout"
	if err := p.Release(addr, true, &holdout, &reason); err != nil {
		t.Fatal(err)
	}

	free, used, cooling, blacklisted := p.Counts()
	if free != 0 || used != 0 || cooling != 1 || blacklisted != 1 {
		t.Fatalf("free=%d used=%d cooling=%d blacklisted=%d, want 0,0,1,1", free, used, cooling, blacklisted)
	}

	// Still cooling, so even the blacklist-rescue path in Acquire must not
	// return it yet (§4.D.1: rescue candidates exclude anything cooling).
	timeout := 10 * time.Millisecond
	_, err = p.Acquire(context.Background(), &timeout)
	if err != ErrNoFreeProxies {
		t.Fatalf("expected still on cooldown, got %v", err)
	}
}

func TestRelease_Good_ReturnsDirectlyToFreeWhenNoHoldout(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(addr, false, nil, nil); err != nil {
		t.Fatal(err)
	}

	free, used, cooling, blacklisted := p.Counts()
	if free != 1 || used != 0 || cooling != 0 || blacklisted != 0 {
		t.Fatalf("free=%d used=%d cooling=%d blacklisted=%d, want 1,0,0,0", free, used, cooling, blacklisted)
	}
}

func TestRelease_Stale_IsSilentNoOp(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	if err := p.Release("a", false, nil, nil); err != nil {
		t.Fatalf("release of never-acquired address must be a no-op, got %v", err)
	}

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(addr, false, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(addr, false, nil, nil); err != nil {
		t.Fatalf("second release of the same address must be a no-op, got %v", err)
	}
}

func TestPromoteCooled_ReturnsAddressAfterDeadline(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	holdout := 10 * time.Millisecond
	if err := p.Release(addr, true, &holdout, nil); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	timeout := time.Second
	got, err := p.Acquire(context.Background(), &timeout)
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Fatalf("got %v, want %v", got, addr)
	}
}

func TestBlacklist_RemovesFromRotationUntilRescue(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(addr, false, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Blacklist(addr, "too many failures"); err != nil {
		t.Fatal(err)
	}

	free, _, _, blacklisted := p.Counts()
	if free != 0 || blacklisted != 1 {
		t.Fatalf("free=%d blacklisted=%d, want 0,1", free, blacklisted)
	}

	// Nothing else is free, so acquire must rescue from the blacklist
	// rather than time out.
	got, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Fatalf("got %v, want rescued %v", got, addr)
	}
}

func TestBlacklistRescue_ExcludesCoolingCandidates(t *testing.T) {
	p, _ := newTestPool(t, []string{"a", "b"}, registry.Config{})

	// "a" goes bad with a long holdout: blacklisted AND cooling, so it must
	// stay invisible to rescue even though it is the only blacklisted
	// candidate available at all (§4.D.1, §4.D.2's note).
	addrA, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	holdout := time.Hour
	if err := p.Release(addrA, true, &holdout, nil); err != nil {
		t.Fatal(err)
	}

	// "b" goes bad with no holdout at all: blacklisted but not cooling, so
	// it remains rescuable.
	addrB, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(addrB, true, nil, nil); err != nil {
		t.Fatal(err)
	}

	got, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != addrB {
		t.Fatalf("expected rescue to pick the non-cooling blacklisted address %v, got %v", addrB, got)
	}

	// Now both are blacklisted-and-unavailable: a still cooling, b already
	// rescued (and not yet released again). A short-timeout acquire must
	// fail rather than ever returning a.
	timeout := 10 * time.Millisecond
	if _, err := p.Acquire(context.Background(), &timeout); err != ErrNoFreeProxies {
		t.Fatalf("expected ErrNoFreeProxies with only a cooling blacklisted address left, got %v", err)
	}
}

func TestBlacklistRescue_PrefersHigherReliability(t *testing.T) {
	p, _ := newTestPool(t, []string{"good", "bad"}, registry.Config{})

	for _, addr := range []Address{"good", "bad"} {
		a, err := p.Acquire(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		_ = a
		if err := p.Release(a, false, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Seed history: "good" has a strong ok/fail ratio, "bad" has none.
	p.mu.Lock()
	p.stats.Put("good", addrStats{OK: 10, Fail: 1})
	p.stats.Put("bad", addrStats{OK: 1, Fail: 10})
	p.mu.Unlock()

	if err := p.Blacklist("good", "x"); err != nil {
		t.Fatal(err)
	}
	if err := p.Blacklist("bad", "x"); err != nil {
		t.Fatal(err)
	}

	got, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "good" {
		t.Fatalf("expected rescue to prefer higher reliability, got %v", got)
	}
}

func TestComputeSmartHoldout_DoublesOnRepeatedFailure(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{SmartHoldout: true, SmartHoldoutStart: 10, SmartHoldoutMax: 1000})

	first := p.computeSmartHoldoutLocked("a", true, nil)
	if first != 10*time.Second {
		t.Fatalf("first = %v, want 10s", first)
	}
	p.mu.Lock()
	p.recordOutcomeLocked("a", true, &first)
	p.mu.Unlock()

	second := p.computeSmartHoldoutLocked("a", true, nil)
	if second != 20*time.Second {
		t.Fatalf("second = %v, want 20s", second)
	}
}

func TestComputeSmartHoldout_ShrinksOnGoodOutcome(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{SmartHoldout: true, SmartHoldoutStart: 100, SmartHoldoutMin: 1})

	first := p.computeSmartHoldoutLocked("a", true, nil) // lo=100 -> bad, lo>=g(100) -> 200
	p.mu.Lock()
	p.recordOutcomeLocked("a", true, &first)
	p.mu.Unlock()

	got := p.computeSmartHoldoutLocked("a", false, nil)
	want := time.Duration(200*0.75) * time.Second
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeSmartHoldout_RetreatsToLastGoodOnBadBelowIt(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{SmartHoldout: true, SmartHoldoutStart: 10})

	// lo=10,g=10 -> bad, 10>=10 -> next=20, last_good untouched (bad, 20>=g trivially since g was nil before)
	first := p.computeSmartHoldoutLocked("a", true, nil)
	p.mu.Lock()
	p.recordOutcomeLocked("a", true, &first)
	p.mu.Unlock()

	// lo=20 -> good -> next=15, lastGood=15
	second := p.computeSmartHoldoutLocked("a", false, nil)
	p.mu.Lock()
	p.recordOutcomeLocked("a", false, &second)
	p.mu.Unlock()

	// lo=15, g=15 (last good) -> lo>=g -> doubles to 30
	got := p.computeSmartHoldoutLocked("a", true, nil)
	if got != 30*time.Second {
		t.Fatalf("got %v, want 30s", got)
	}
}

func TestRelease_SmartHoldout_EndToEnd(t *testing.T) {
	p, _ := newTestPool(t, []string{"a"}, registry.Config{SmartHoldout: true, SmartHoldoutStart: 10, SmartHoldoutMin: 1, SmartHoldoutMax: 1000})

	fakeNow := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return fakeNow }

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(addr, true, nil, nil); err != nil {
		t.Fatal(err)
	}
	ok, fail, lastGood := p.Stats(addr)
	if ok != 0 || fail != 1 {
		t.Fatalf("ok=%d fail=%d, want 0,1", ok, fail)
	}
	_ = lastGood

	raw, found := p.cooldown.Get(string(addr))
	if !found {
		t.Fatal("expected a cooldown entry after a bad release under smart holdout")
	}
	var deadline float64
	if err := json.Unmarshal(raw, &deadline); err != nil {
		t.Fatal(err)
	}
	if got, want := deadline-float64(fakeNow.Unix()), 10.0; got != want {
		t.Fatalf("cooldown delta = %v, want %v", got, want)
	}

	_, blacklisted := p.blacklist.Get(string(addr))
	if !blacklisted {
		t.Fatal("expected a bad release to also blacklist the address")
	}
}

func TestReconcile_DropsAddressesRemovedFromRegistry(t *testing.T) {
	cfg := registry.Config{List: []string{"a", "b"}}
	reg, err := registry.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(reg, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	entries, gen, _ := reg.Current(ctx)
	p.mu.Lock()
	p.reconcileLocked(entries, gen)
	p.mu.Unlock()

	free, _, _, _ := p.Counts()
	if free != 2 {
		t.Fatalf("free = %d, want 2", free)
	}

	p.mu.Lock()
	p.reconcileLocked([]Address{"a"}, gen+1)
	p.mu.Unlock()

	free, _, _, _ = p.Counts()
	if free != 1 {
		t.Fatalf("free after shrink = %d, want 1", free)
	}
}

func TestAcquire_WakesOnConcurrentReleaseWithNothingCooling(t *testing.T) {
	// Nothing is cooling here at all — the blocked Acquire can only be
	// woken by another goroutine's Release signaling notifyCh, not by the
	// 1-second cooling poll slice. This is the S6-relevant path: before the
	// fix this case fell through to an instant ErrNoFreeProxies because
	// "cooling empty" was (incorrectly) read as "nothing to wait for".
	p, _ := newTestPool(t, []string{"a"}, registry.Config{})

	addr, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		timeout := 2 * time.Second
		_, acquireErr := p.Acquire(context.Background(), &timeout)
		done <- acquireErr
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Release(addr, false, nil, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Acquire failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Fatalf("Acquire took %v to wake on release, want near-immediate", elapsed)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("blocked Acquire never woke up after Release")
	}
}

func TestNew_SmartHoldoutWithoutStart_IsConfigurationError(t *testing.T) {
	cfg := registry.Config{List: []string{"a"}, SmartHoldout: true}
	reg, err := registry.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg, cfg); err == nil {
		t.Fatal("expected an error when smart_holdout is set without smart_holdout_start")
	}
}
