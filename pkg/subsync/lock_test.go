package subsync

import (
	"sync"
	"testing"
)

func TestAccountLocks_SerializesSameAccount(t *testing.T) {
	locks := newAccountLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.lock("acct-1")
			counter++
			locks.unlock("acct-1")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("Expected 100 serialized increments, got %d", counter)
	}
}

func TestAccountLocks_IndependentAccounts(t *testing.T) {
	locks := newAccountLocks()

	// Holding one account's lock must not block another's.
	locks.lock("acct-1")
	done := make(chan struct{})
	go func() {
		locks.lock("acct-2")
		locks.unlock("acct-2")
		close(done)
	}()
	<-done
	locks.unlock("acct-1")
}

func TestAccountLocks_EntriesReleased(t *testing.T) {
	locks := newAccountLocks()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.lock("acct-1")
			locks.unlock("acct-1")
		}()
	}
	wg.Wait()

	locks.mu.Lock()
	remaining := len(locks.locks)
	locks.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected the lock map drained, got %d entries", remaining)
	}
}
