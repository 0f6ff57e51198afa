// Package testutil provides common test fixtures for the ledger and the Redis queue.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/queue"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/stretchr/testify/require"
)

// DefaultPartnerID is the partner seeded messages belong to.
const DefaultPartnerID = "partner-1"

// NewLedger opens a migrated SQLite ledger in a temporary directory.
// It is closed when the test ends.
func NewLedger(t *testing.T, opts ...store.Option) *store.SQLStore {
	t.Helper()
	all := append([]store.Option{store.WithDSN(filepath.Join(t.TempDir(), "ledger.db"))}, opts...)
	s, err := store.NewSQLStore(all...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewQueue starts an in-process Redis and returns a queue bound to it.
// Closing the returned server simulates an outage.
func NewQueue(t *testing.T, opts ...queue.Option) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	all := append([]queue.Option{queue.WithURL("redis://" + mr.Addr())}, opts...)
	q, err := queue.New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

// Inbound builds a customer message for DefaultPartnerID.
func Inbound(id, sender, body string) models.InboundMessage {
	return models.InboundMessage{
		ID:        id,
		PartnerID: DefaultPartnerID,
		Direction: models.DirectionInbound,
		Sender:    sender,
		Body:      body,
	}
}

// SeedInbound records one pending message per id, received a second apart
// starting an hour ago.
func SeedInbound(t *testing.T, s *store.SQLStore, ids ...string) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i, id := range ids {
		msg := Inbound(id, fmt.Sprintf("+55 11 99999-000%d", i%10), "Ainda tem a bolsa de couro?")
		msg.ReceivedAt = base.Add(time.Duration(i) * time.Second)
		_, err := s.RecordInbound(context.Background(), msg)
		require.NoError(t, err)
	}
}

// EnqueueStored pushes the ledger row for id onto the queue.
func EnqueueStored(t *testing.T, s *store.SQLStore, q *queue.RedisQueue, id string) {
	t.Helper()
	msg, err := s.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), models.JobFromMessage(msg)))
}

// StateOf returns the auto-response state of message id.
func StateOf(t *testing.T, s *store.SQLStore, id string) models.AutoResponseState {
	t.Helper()
	msg, err := s.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg.State
}

// DecodeJSON decodes a recorded response body into a generic map.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}
