package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	m := NewManager()
	s := m.Create(1000, 1050, "0xabc", "Acme")

	if !strings.HasPrefix(s.ID, "ps_") {
		t.Errorf("id = %q, want ps_ prefix", s.ID)
	}
	if s.BufferedCents != 1050 {
		t.Errorf("buffered = %d", s.BufferedCents)
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != DefaultTTL {
		t.Errorf("ttl = %v, want %v", got, DefaultTTL)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AmountCents != 1000 || got.PayerAddress != "0xabc" {
		t.Errorf("got %+v", got)
	}
}

func TestGet_Unknown(t *testing.T) {
	m := NewManager()
	if _, err := m.Get("ps_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClaim_SingleUse(t *testing.T) {
	m := NewManager()
	s := m.Create(1000, 1050, "0xabc", "")

	if _, err := m.Claim(s.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := m.Claim(s.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	m := NewManager()
	s := m.Create(1000, 1050, "0xabc", "")

	const n = 32
	var wg sync.WaitGroup
	var winners int32
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Claim(s.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("unexpected err: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestClaim_Expired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := NewManager(WithTTL(time.Minute), WithClock(func() time.Time { return clock() }))

	s := m.Create(1000, 1050, "0xabc", "")

	clock = func() time.Time { return now.Add(2 * time.Minute) }

	if _, err := m.Claim(s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("get err = %v, want ErrExpired", err)
	}
}

func TestRelease_AllowsReclaim(t *testing.T) {
	m := NewManager()
	s := m.Create(1000, 1050, "0xabc", "")

	if _, err := m.Claim(s.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	m.Release(s.ID)
	if _, err := m.Claim(s.ID); err != nil {
		t.Errorf("reclaim after release: %v", err)
	}
}

func TestSweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := NewManager(WithTTL(time.Minute), WithClock(func() time.Time { return clock() }))

	m.Create(1000, 1050, "0xabc", "")
	m.Create(2000, 2100, "0xdef", "")
	if m.Count() != 2 {
		t.Fatalf("count = %d", m.Count())
	}

	clock = func() time.Time { return now.Add(2 * time.Minute) }

	if dropped := m.sweep(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if m.Count() != 0 {
		t.Errorf("count after sweep = %d", m.Count())
	}
}
