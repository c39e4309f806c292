package tenant

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDropsOldestWhenSubscriberLags(t *testing.T) {
	em := NewEmitter(4)
	ch, unsub := em.Subscribe()
	defer unsub()

	for i := 0; i < 10; i++ {
		em.Emit(Event{Kind: EventSuspendStart, Tenant: fmt.Sprintf("t%d", i)})
	}

	// The buffer holds the newest four events; the oldest six were dropped.
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, (<-ch).Tenant)
	}
	assert.Equal(t, []string{"t6", "t7", "t8", "t9"}, got)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestEmitterMultipleSubscribers(t *testing.T) {
	em := NewEmitter(8)
	a, unsubA := em.Subscribe()
	b, unsubB := em.Subscribe()
	defer unsubB()

	em.Emit(Event{Kind: EventResumeComplete, Tenant: "alice"})
	assert.Equal(t, "alice", (<-a).Tenant)
	assert.Equal(t, "alice", (<-b).Tenant)

	unsubA()
	em.Emit(Event{Kind: EventResumeComplete, Tenant: "bob"})
	assert.Equal(t, "bob", (<-b).Tenant)

	_, open := <-a
	assert.False(t, open, "unsubscribed channel must be closed")
}
