package server

import (
	"testing"
	"time"
)

// Admission tests drive the hub directly; conn stays nil because no
// payload ever reaches the wire.
func admit(t *testing.T, h *Hub, pool, ip string, bbox *BoundingBox) *Subscriber {
	t.Helper()
	sub, err := h.Admit(nil, pool, ip, bbox)
	if err != nil {
		t.Fatalf("unexpected admission failure: %v", err)
	}
	return sub
}

func TestAdmitPerIPCap(t *testing.T) {
	h := NewHub(100, 0, 2, 100, 60)

	admit(t, h, PoolAll, "10.0.0.1", nil)
	admit(t, h, PoolAll, "10.0.0.1", nil)

	if _, err := h.Admit(nil, PoolAll, "10.0.0.1", nil); err != ErrTooManyPerIP {
		t.Errorf("expected ErrTooManyPerIP, got %v", err)
	}

	// A different address is unaffected.
	admit(t, h, PoolAll, "10.0.0.2", nil)

	if got := h.Stats().ConnectionsRateLimited; got != 1 {
		t.Errorf("expected 1 rate-limited, got %d", got)
	}
}

func TestAdmitRateLimitWindow(t *testing.T) {
	h := NewHub(100, 0, 100, 2, 60)

	base := time.Now()
	h.now = func() time.Time { return base }

	a := admit(t, h, PoolAll, "10.0.0.1", nil)
	b := admit(t, h, PoolAll, "10.0.0.1", nil)

	// Third connection inside the window is rejected even though the
	// first two already disconnected: the cap tracks attempts, the
	// per-IP cap tracks open subscriptions.
	h.Remove(a)
	h.Remove(b)
	if _, err := h.Admit(nil, PoolAll, "10.0.0.1", nil); err != ErrRateLimited {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	// Once the window slides past the attempts, admission resumes.
	h.now = func() time.Time { return base.Add(61 * time.Second) }
	admit(t, h, PoolAll, "10.0.0.1", nil)
}

func TestAdmitPoolCapacity(t *testing.T) {
	h := NewHub(1, 0, 100, 100, 60)

	admit(t, h, PoolAll, "10.0.0.1", nil)
	if _, err := h.Admit(nil, PoolAll, "10.0.0.2", nil); err != ErrPoolFull {
		t.Errorf("expected ErrPoolFull, got %v", err)
	}

	// Pools are capped independently.
	admit(t, h, PoolWatchlist, "10.0.0.3", nil)
}

func TestAdmitGeoUnbounded(t *testing.T) {
	h := NewHub(1, 0, 100, 100, 60)

	box := &BoundingBox{MinLat: -10, MaxLat: 10, MinLon: -20, MaxLon: 20}
	for i := 0; i < 5; i++ {
		admit(t, h, PoolGeo, "10.0.0.1", box)
	}
}

func TestAdmitValidatesBox(t *testing.T) {
	h := NewHub(100, 0, 100, 100, 60)

	bad := &BoundingBox{MinLat: 10, MaxLat: 10, MinLon: 0, MaxLon: 1}
	if _, err := h.Admit(nil, PoolGeo, "10.0.0.1", bad); err != ErrInvalidBox {
		t.Errorf("expected ErrInvalidBox, got %v", err)
	}
	if _, err := h.Admit(nil, PoolGeo, "10.0.0.1", nil); err != ErrInvalidBox {
		t.Errorf("expected ErrInvalidBox for missing box, got %v", err)
	}
	if _, err := h.Admit(nil, "bogus", "10.0.0.1", nil); err != ErrUnknownPool {
		t.Errorf("expected ErrUnknownPool, got %v", err)
	}
}

func TestRemoveFreesIPSlot(t *testing.T) {
	h := NewHub(100, 0, 1, 100, 60)

	sub := admit(t, h, PoolAll, "10.0.0.1", nil)
	if _, err := h.Admit(nil, PoolAll, "10.0.0.1", nil); err != ErrTooManyPerIP {
		t.Fatalf("expected cap to be hit, got %v", err)
	}

	h.Remove(sub)
	if got := h.CountForIP("10.0.0.1"); got != 0 {
		t.Fatalf("expected 0 open for IP, got %d", got)
	}
	admit(t, h, PoolAll, "10.0.0.1", nil)
}

func TestRemoveIdempotent(t *testing.T) {
	h := NewHub(100, 0, 10, 100, 60)
	sub := admit(t, h, PoolAll, "10.0.0.1", nil)

	h.Remove(sub)
	h.Remove(sub)

	if got := h.Stats().Clients[PoolAll]; got != 0 {
		t.Errorf("expected empty pool, got %d", got)
	}
}

func TestLifetimeTotals(t *testing.T) {
	h := NewHub(100, 0, 10, 100, 60)

	a := admit(t, h, PoolAll, "10.0.0.1", nil)
	h.Remove(a)
	admit(t, h, PoolAll, "10.0.0.1", nil)

	stats := h.Stats()
	if stats.TotalConnections[PoolAll] != 2 {
		t.Errorf("expected lifetime total 2, got %d", stats.TotalConnections[PoolAll])
	}
	if stats.Clients[PoolAll] != 1 {
		t.Errorf("expected 1 current, got %d", stats.Clients[PoolAll])
	}
}
