package db_test

import (
	"errors"
	"sync"
	"testing"

	"roomchat/internal/db"
	"roomchat/internal/db/dbtest"
)

func TestAutoMigrateIsIdempotent(t *testing.T) {
	database := dbtest.New(t)

	if err := database.AutoMigrate(); err != nil {
		t.Fatalf("second AutoMigrate failed: %v", err)
	}
	if database.Dialect != db.SQLite {
		t.Fatalf("expected sqlite dialect, got %q", database.Dialect)
	}
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	clock := db.NewClock()

	const workers, perWorker = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for i := 0; i < perWorker; i++ {
				ts := clock.Now()
				if ts <= last {
					t.Errorf("clock went backwards: %d after %d", ts, last)
					return
				}
				last = ts
				mu.Lock()
				if seen[ts] {
					t.Errorf("timestamp %d handed out twice", ts)
				}
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestPlaceholders(t *testing.T) {
	if got := db.Placeholders(2, 3); got != "$2, $3, $4" {
		t.Fatalf("unexpected placeholders %q", got)
	}
}

func TestUnique(t *testing.T) {
	got := db.Unique([]string{"b", "", "a", "b", "c", "a"})
	if len(got) != 3 || got[0] != "b" || got[1] != "a" || got[2] != "c" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestUnavailableWrapsBoth(t *testing.T) {
	cause := errors.New("connection refused")
	err := db.Unavailable("insert message", cause)
	if !errors.Is(err, db.ErrStorageUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("wrapped error lost its chain: %v", err)
	}
}

func TestMicrosRoundTrip(t *testing.T) {
	ts := db.NewClock().Now()
	if got := db.Micros(db.Time(ts)); got != ts {
		t.Fatalf("round trip changed %d to %d", ts, got)
	}
	var zero = db.Time(0)
	if db.Micros(zero) != 0 {
		t.Fatalf("epoch should map to 0")
	}
}
