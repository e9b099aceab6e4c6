package lock_test

import (
	"errors"
	"testing"
	"time"

	"gateflow/internal/lock"
)

func TestAcquireRelease(t *testing.T) {
	locks := lock.NewTaskLocks()
	release, err := locks.Acquire("T-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locks.Acquire("T-1", 0); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	// other tasks are independent
	release2, err := locks.Acquire("T-2", 0)
	if err != nil {
		t.Fatalf("acquire other task: %v", err)
	}
	release2()
	release()
	release3, err := locks.Acquire("T-1", 0)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	release3()
}

func TestBoundedWait(t *testing.T) {
	locks := lock.NewTaskLocks()
	release, err := locks.Acquire("T-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := locks.Acquire("T-1", 20*time.Millisecond); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the bounded wait elapsed")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	got, err := locks.Acquire("T-1", time.Second)
	if err != nil {
		t.Fatalf("expected acquire once released: %v", err)
	}
	got()
}
