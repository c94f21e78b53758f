package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/mq"
)

type memOutbox struct {
	rows      []database.OutboxMessage
	deleted   []string
	fetchErr  error
	deleteErr error
}

func (m *memOutbox) FetchOutboxMessages(_ context.Context, limit int) ([]database.OutboxMessage, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if len(m.rows) > limit {
		return m.rows[:limit], nil
	}
	return m.rows, nil
}

func (m *memOutbox) DeleteOutboxMessage(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}

type published struct{ exchange, key, body string }

type fakePublisher struct {
	sent   []published
	failOn map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key, body string) error {
	if p.failOn[body] {
		return errors.New("channel closed")
	}
	p.sent = append(p.sent, published{exchange, key, body})
	return nil
}

func row(id, jobID string) database.OutboxMessage {
	return database.OutboxMessage{ID: id, JobID: jobID, Exchange: mq.JobsExchange, RoutingKey: "attack_script", Payload: jobID}
}

func TestProcessBatchPublishesThenDeletes(t *testing.T) {
	store := &memOutbox{rows: []database.OutboxMessage{row("o1", "j1"), row("o2", "j2")}}
	pub := &fakePublisher{}

	n := NewRelay(store, pub, 10, nil).ProcessBatch(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []published{
		{mq.JobsExchange, "attack_script", "j1"},
		{mq.JobsExchange, "attack_script", "j2"},
	}, pub.sent)
	assert.Equal(t, []string{"o1", "o2"}, store.deleted)
}

func TestProcessBatchKeepsRowsThatFailToPublish(t *testing.T) {
	store := &memOutbox{rows: []database.OutboxMessage{row("o1", "j1"), row("o2", "j2")}}
	pub := &fakePublisher{failOn: map[string]bool{"j1": true}}

	n := NewRelay(store, pub, 10, nil).ProcessBatch(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"o2"}, store.deleted)
}

func TestProcessBatchDeleteFailureIsNotCounted(t *testing.T) {
	store := &memOutbox{rows: []database.OutboxMessage{row("o1", "j1")}, deleteErr: errors.New("db down")}
	pub := &fakePublisher{}

	assert.Equal(t, 0, NewRelay(store, pub, 10, nil).ProcessBatch(context.Background()))
	assert.Len(t, pub.sent, 1)
}

func TestProcessBatchHonoursBatchSizeAndFetchErrors(t *testing.T) {
	store := &memOutbox{rows: []database.OutboxMessage{row("o1", "j1"), row("o2", "j2"), row("o3", "j3")}}
	assert.Equal(t, 2, NewRelay(store, &fakePublisher{}, 2, nil).ProcessBatch(context.Background()))

	failing := &memOutbox{fetchErr: errors.New("db down")}
	assert.Equal(t, 0, NewRelay(failing, &fakePublisher{}, 2, nil).ProcessBatch(context.Background()))
}
