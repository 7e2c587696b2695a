package events

import (
	"sync"
	"testing"
)

func TestFanOut(t *testing.T) {
	b := NewBroadcaster[int](4)
	defer b.Close()

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(42)
	if got := <-ch1; got != 42 {
		t.Errorf("First subscriber got %d", got)
	}
	if got := <-ch2; got != 42 {
		t.Errorf("Second subscriber got %d", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster[string](4)
	defer b.Close()

	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("Unsubscribed channel not closed")
	}
	if b.Len() != 0 {
		t.Errorf("Subscriber count after unsubscribe: %d", b.Len())
	}

	// Double-unsubscribe must be a safe no-op.
	unsub()
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster[int](1)
	defer b.Close()

	_, unsub := b.Subscribe()
	defer unsub()

	// The subscriber never reads; the second publish overflows its buffer and
	// is dropped rather than blocking the publisher.
	done := make(chan struct{})
	go func() {
		b.Publish(1)
		b.Publish(2)
		close(done)
	}()
	<-done
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroadcaster[int](1)
	defer b.Close()

	slow, unsubSlow := b.Subscribe()
	fast, unsubFast := b.Subscribe()
	defer unsubSlow()
	defer unsubFast()

	b.Publish(1)
	b.Publish(2) // slow's buffer is full; fast drained below still sees 1

	if got := <-fast; got != 1 {
		t.Errorf("Fast subscriber got %d", got)
	}
	if got := <-slow; got != 1 {
		t.Errorf("Slow subscriber got %d", got)
	}
}

func TestCloseClosesAllChannels(t *testing.T) {
	b := NewBroadcaster[int](2)
	ch, _ := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("Channel not closed by Close")
	}

	// Publish and re-Close after Close are no-ops.
	b.Publish(1)
	b.Close()

	// Subscribing after Close yields an already-closed channel.
	late, cancel := b.Subscribe()
	defer cancel()
	if _, ok := <-late; ok {
		t.Error("Post-close subscription channel not closed")
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	b := NewBroadcaster[int](64)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsub := b.Subscribe()
			defer unsub()
			for range ch {
			}
		}()
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(v)
			}
		}(i)
	}

	for i := 0; i < 800; i++ {
		b.Publish(i)
	}
	b.Close()
	wg.Wait()
}
