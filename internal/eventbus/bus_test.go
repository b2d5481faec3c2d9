package eventbus

import (
	"testing"
)

func TestPrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	tasks, unsub := b.Subscribe(4, "task.")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "schedule.fired"})
	b.Publish(Event{Type: "task.started"})

	ev := <-tasks
	if ev.Type != "task.started" || ev.Time.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(tasks) != 0 {
		t.Fatalf("filtered subscriber got extra events")
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber want 2 events, got %d", len(all))
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	published, dropped := b.Stats()
	if published != 3 || dropped != 2 {
		t.Fatalf("want 3 published / 2 dropped, got %d / %d", published, dropped)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}
