package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalyst/internal/domain"
)

type memRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
	err    error
}

func (r *memRecorder) AppendEvent(e domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func event(ticker string, action domain.LifecycleAction) domain.LifecycleEvent {
	return domain.LifecycleEvent{
		Ticker:    ticker,
		Action:    action,
		Price:     10,
		Timestamp: time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	h := NewHub(10, nil, nil)
	_, a := h.Subscribe(4)
	_, b := h.Subscribe(4)

	h.Publish(event("XYZ", domain.LifecycleOpened))

	for _, ch := range []<-chan domain.LifecycleEvent{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, "XYZ", e.Ticker)
			assert.Equal(t, domain.LifecycleOpened, e.Action)
		default:
			t.Fatal("expected event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(0, nil, nil)
	_, ch := h.Subscribe(1)

	h.Publish(event("XYZ", domain.LifecycleOpened))
	h.Publish(event("XYZ", domain.LifecycleClosed))

	e := <-ch
	assert.Equal(t, domain.LifecycleOpened, e.Action)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(0, nil, nil)
	id, ch := h.Subscribe(1)
	h.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	h.Publish(event("XYZ", domain.LifecycleAlert))
	h.Unsubscribe(id)
}

func TestRecentKeepsBoundedHistory(t *testing.T) {
	h := NewHub(2, nil, nil)
	h.Publish(event("A", domain.LifecycleOpened))
	h.Publish(event("B", domain.LifecycleOpened))
	h.Publish(event("C", domain.LifecycleOpened))

	recent := h.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "B", recent[0].Ticker)
	assert.Equal(t, "C", recent[1].Ticker)
}

func TestRecorderReceivesEvents(t *testing.T) {
	rec := &memRecorder{}
	h := NewHub(0, rec, nil)
	h.Publish(event("XYZ", domain.LifecycleClosed))
	require.Len(t, rec.events, 1)
	assert.Equal(t, domain.LifecycleClosed, rec.events[0].Action)

	// A failing recorder does not stop delivery.
	rec.err = errors.New("disk full")
	_, ch := h.Subscribe(1)
	h.Publish(event("XYZ", domain.LifecycleAlert))
	assert.Equal(t, domain.LifecycleAlert, (<-ch).Action)
}
