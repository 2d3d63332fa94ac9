package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *recordingSubscriber) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubBroadcastsOnlyToRepoSubscribers(t *testing.T) {
	hub := NewHub(4)
	one := &recordingSubscriber{}
	other := &recordingSubscriber{}
	hub.Register("repo-1", one)
	hub.Register("repo-2", other)

	hub.Broadcast("repo-1", []byte("hello"))

	eventually(t, func() bool { return one.received() == 1 })
	if other.received() != 0 {
		t.Fatalf("subscriber of another repo received %d payloads", other.received())
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(4)
	failing := &recordingSubscriber{sendErr: errors.New("gone")}
	hub.Register("repo-1", failing)

	hub.Broadcast("repo-1", []byte("first"))
	eventually(t, failing.wasClosed)

	// Subsequent broadcasts to the emptied repo are discarded.
	hub.Broadcast("repo-1", []byte("second"))
	if failing.received() != 0 {
		t.Fatalf("failed subscriber should receive nothing, got %d", failing.received())
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(4)
	sub := &recordingSubscriber{}
	hub.Register("repo-1", sub)
	hub.Broadcast("repo-1", []byte("one"))
	eventually(t, func() bool { return sub.received() == 1 })

	hub.Unregister("repo-1", sub)
	hub.Broadcast("repo-1", []byte("two"))

	// Give the hub loop a moment; count must stay at one.
	time.Sleep(10 * time.Millisecond)
	if sub.received() != 1 {
		t.Fatalf("expected delivery to stop after unregister, got %d payloads", sub.received())
	}
}

// slowSubscriber parks every Send until released, keeping the hub loop busy
// so broadcasts have to queue.
type slowSubscriber struct {
	mu      sync.Mutex
	release chan struct{}
	count   int
}

func (s *slowSubscriber) Send(payload []byte) error {
	<-s.release
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func (s *slowSubscriber) Close() {}

func (s *slowSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestHubBroadcastBuffersWhileSubscriberIsSlow(t *testing.T) {
	release := make(chan struct{})
	sub := &slowSubscriber{release: release}
	hub := NewHub(4)
	hub.Register("repo-1", sub)

	// The first payload parks the hub loop inside Send; the next four fit in
	// the broadcast buffer, so none of the five calls may stall the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Broadcast("repo-1", []byte("line"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked while the buffer had room")
	}

	close(release)
	eventually(t, func() bool { return sub.received() == 5 })
}

func TestHubBroadcastWithoutSubscribers(t *testing.T) {
	hub := NewHub(4)
	// Must not block or panic.
	hub.Broadcast("repo-unknown", []byte("nobody home"))
}
