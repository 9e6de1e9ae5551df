package eventbus

import "testing"

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	votes, unsubVotes := b.Subscribe(4, "vote.")
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: VoteFinalized})
	b.Publish(Event{Type: RoleExpired})

	if got := len(votes); got != 1 {
		t.Fatalf("vote subscriber got %d events, want 1", got)
	}
	if e := <-votes; e.Type != VoteFinalized || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}

	unsubVotes()
	unsubVotes()
	b.Publish(Event{Type: VotePinged})
	if _, ok := <-votes; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "task.started"})
	b.Publish(Event{Type: "task.finished"})
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	if e := <-ch; e.Type != "task.started" {
		t.Fatalf("kept %q, want the first event", e.Type)
	}
}
