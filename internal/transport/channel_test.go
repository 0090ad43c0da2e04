package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMailboxDeliverToWaiter(t *testing.T) {
	m := NewMailbox(nil)
	w := m.Register()
	if !m.Deliver([]byte{0x01, 0x02}) {
		t.Fatal("Deliver reported no waiter")
	}
	got, err := w.Await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Errorf("got %X", got)
	}
}

func TestMailboxDropsWithoutWaiter(t *testing.T) {
	m := NewMailbox(nil)
	if m.Deliver([]byte{0xAA}) {
		t.Fatal("Deliver without waiter should drop")
	}
	if m.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped())
	}

	// A notification dropped earlier must not satisfy a later waiter.
	w := m.Register()
	if _, err := w.Await(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestMailboxSingleDelivery(t *testing.T) {
	m := NewMailbox(nil)
	w := m.Register()
	m.Deliver([]byte{0x01})
	if m.Deliver([]byte{0x02}) {
		t.Fatal("second notification reached a consumed waiter")
	}
	got, _ := w.Await(context.Background(), time.Second)
	if !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("got %X, want 01", got)
	}
}

func TestMailboxLateReplyDiscarded(t *testing.T) {
	m := NewMailbox(nil)
	w := m.Register()
	if _, err := w.Await(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	// Reply to the abandoned request arrives after the timeout.
	if m.Deliver([]byte{0xFF}) {
		t.Fatal("late reply was delivered to a timed-out waiter")
	}
	next := m.Register()
	m.Deliver([]byte{0x42})
	got, err := next.Await(context.Background(), time.Second)
	if err != nil || !bytes.Equal(got, []byte{0x42}) {
		t.Fatalf("got %X, %v", got, err)
	}
}

func TestMailboxRegisterSupersedes(t *testing.T) {
	m := NewMailbox(nil)
	old := m.Register()
	_ = m.Register()
	if _, err := old.Await(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("superseded waiter err = %v, want ErrClosed", err)
	}
}

func TestMailboxCloseFailsWaiters(t *testing.T) {
	m := NewMailbox(nil)
	w := m.Register()

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = w.Await(context.Background(), 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()
	wg.Wait()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}

	after := m.Register()
	if _, err := after.Await(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("register on closed mailbox: err = %v", err)
	}

	m.Open()
	w2 := m.Register()
	m.Deliver([]byte{0x07})
	if got, err := w2.Await(context.Background(), time.Second); err != nil || got[0] != 0x07 {
		t.Fatalf("after reopen: %X, %v", got, err)
	}
}

func TestWaiterContextCancel(t *testing.T) {
	m := NewMailbox(nil)
	w := m.Register()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Await(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m.Deliver([]byte{0x01}) {
		t.Error("cancelled waiter still registered")
	}
}

func TestDeliverCopiesData(t *testing.T) {
	m := NewMailbox(nil)
	w := m.Register()
	buf := []byte{0x01, 0x02}
	m.Deliver(buf)
	buf[0] = 0xFF
	got, _ := w.Await(context.Background(), time.Second)
	if got[0] != 0x01 {
		t.Errorf("delivered slice aliases caller buffer")
	}
}
