package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(EventDocumentCompleted, "document indexed", map[string]string{
		"document_id": "doc-1",
		"chunk_count": "6",
	})

	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		assert.Equal(t, EventDocumentCompleted, ev.Type)
		assert.Equal(t, "doc-1", ev.Metadata["document_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(EventBatchCompleted, "batch done", nil)

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventBatchCompleted, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Broker not started: events accumulate in the buffered queue,
	// then get dropped once full. Publish must still return.
	for i := 0; i < 500; i++ {
		b.Publish(EventDocumentStage, "stage", nil)
	}
}
