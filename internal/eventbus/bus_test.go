package eventbus

import (
	"testing"
	"time"
)

func TestBus_FanOutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: RunStarted})
	b.Publish(Event{Type: RunFinished}) // a is full; dropped for a only

	select {
	case e := <-a:
		if e.Type != RunStarted || e.Time.IsZero() {
			t.Fatalf("a got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("a got nothing")
	}
	if len(c) != 2 {
		t.Fatalf("c buffered=%d want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: NotificationOK})
	if _, ok := <-a; ok {
		t.Fatalf("a should be closed")
	}
}
