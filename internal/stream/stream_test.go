package stream

import "testing"

func TestSubscribeReceivesPublished(t *testing.T) {
	s := New[int]("test", 4)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Publish(1)
	s.Publish(2)

	if got := <-ch; got != 1 {
		t.Errorf("first event = %d, want 1", got)
	}
	if got := <-ch; got != 2 {
		t.Errorf("second event = %d, want 2", got)
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	s := New[string]("test", 4)
	a, cancelA := s.Subscribe()
	b, cancelB := s.Subscribe()
	defer cancelA()
	defer cancelB()

	s.Publish("x")

	if got := <-a; got != "x" {
		t.Errorf("subscriber a got %q", got)
	}
	if got := <-b; got != "x" {
		t.Errorf("subscriber b got %q", got)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	s := New[int]("test", 2)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Publish(1)
	s.Publish(2)
	s.Publish(3) // overflows: 1 is dropped

	if got := <-ch; got != 2 {
		t.Errorf("first surviving event = %d, want 2", got)
	}
	if got := <-ch; got != 3 {
		t.Errorf("second surviving event = %d, want 3", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New[int]("test", 1)
	ch, cancel := s.Subscribe()

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	if got := s.Subscribers(); got != 0 {
		t.Errorf("subscribers = %d, want 0", got)
	}

	// publishing to a stream with no subscribers must not panic
	s.Publish(42)
}

func TestZeroBufferClamped(t *testing.T) {
	s := New[int]("test", 0)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Publish(7)
	if got := <-ch; got != 7 {
		t.Errorf("event = %d, want 7", got)
	}
}
