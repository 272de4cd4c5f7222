package hcq

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/hcqdev/go-hcq/internal/memregion"
)

func TestSignalSetValueAndWaitSucceeds(t *testing.T) {
	region, err := memregion.New(64)
	if err != nil {
		t.Fatalf("memregion.New: %v", err)
	}
	defer region.Close()

	sig, err := NewSignal(region, 0, 8, 0, big.NewRat(1000, 1))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}

	go func() {
		time.Sleep(2 * time.Millisecond)
		sig.SetValue(5)
	}()

	if err := sig.Wait(context.Background(), 5, 1000, nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sig.Value() != 5 {
		t.Errorf("Value() = %d, want 5", sig.Value())
	}
}

func TestSignalWaitTimesOut(t *testing.T) {
	region, err := memregion.New(64)
	if err != nil {
		t.Fatalf("memregion.New: %v", err)
	}
	defer region.Close()

	sig, err := NewSignal(region, 0, 8, 0, nil)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}

	err = sig.Wait(context.Background(), 1, 5, nil)
	if !IsCode(err, ErrCodeWaitTimeout) {
		t.Fatalf("Wait err = %v, want ErrCodeWaitTimeout", err)
	}
}

func TestSignalWaitRespectsContextCancellation(t *testing.T) {
	region, err := memregion.New(64)
	if err != nil {
		t.Fatalf("memregion.New: %v", err)
	}
	defer region.Close()

	sig, err := NewSignal(region, 0, 8, 0, nil)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	if err := sig.Wait(ctx, 1, 10000, nil); err == nil {
		t.Fatalf("expected error from canceled context")
	}
}

func TestSignalTimestampMicrosExactDivision(t *testing.T) {
	region, err := memregion.New(64)
	if err != nil {
		t.Fatalf("memregion.New: %v", err)
	}
	defer region.Close()

	sig, err := NewSignal(region, 0, 8, 0, big.NewRat(1000, 1))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	sig.SetTimestampRaw(1500)
	us := sig.TimestampMicros()
	f, _ := us.Float64()
	if f != 1.5 {
		t.Errorf("TimestampMicros = %v, want 1.5", f)
	}
}

func TestTwoSignalsInOneArenaHaveDistinctAddresses(t *testing.T) {
	region, err := memregion.New(64)
	if err != nil {
		t.Fatalf("memregion.New: %v", err)
	}
	defer region.Close()

	s1, err := NewSignal(region, 0, 8, 0, nil)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	s2, err := NewSignal(region, 16, 24, 0, nil)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	if s1.Addr() == s2.Addr() {
		t.Errorf("two signals in one arena share an address: %x", s1.Addr())
	}
}
