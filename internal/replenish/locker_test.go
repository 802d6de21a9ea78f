package replenish

import (
	"context"
	"testing"
)

func TestLocalLockerSerializesPerAccount(t *testing.T) {
	locker := NewLocalLocker()

	release, acquired, errLock := locker.TryLock(context.Background(), 42)
	if errLock != nil || !acquired {
		t.Fatalf("first lock: ok=%v err=%v", acquired, errLock)
	}
	if _, again, _ := locker.TryLock(context.Background(), 42); again {
		t.Fatal("expected second lock to fail while held")
	}
	if rel, other, _ := locker.TryLock(context.Background(), 7); !other {
		t.Fatal("expected other account to lock independently")
	} else {
		rel()
	}

	release()
	if _, after, _ := locker.TryLock(context.Background(), 42); !after {
		t.Fatal("expected lock to be free after release")
	}
}
