package audit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/airtable-backup/internal/storage"
)

func newStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func tableEvent(baseID, tableID string) *Event {
	return &Event{
		RunID: "run-1",
		Table: TableInfo{BaseID: baseID, BaseName: "Base", TableID: tableID, TableName: "Tasks", Records: 2},
		Outputs: map[string]OutputInfo{
			"json": {Checksum: "sha256:abc", Path: "data/json/Base/Tasks.json", Bytes: 42},
			"csv":  {Checksum: "sha256:def", Path: "data/csv/Base/Tasks.csv", Bytes: 17},
		},
	}
}

func TestComputeEventHash(t *testing.T) {
	evt := tableEvent("app1", "tbl1")
	evt.Timestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h1, err := ComputeEventHash(evt)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h1)

	evt.Chain.EventHash = h1
	h2, err := ComputeEventHash(evt)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "the event hash itself is not hashed")

	evt.Table.Records = 3
	h3, err := ComputeEventHash(evt)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestEmitChainsEventsPerBase(t *testing.T) {
	store := newStore(t)
	em, err := NewEmitter(Config{Enabled: true, Producer: ProducerInfo{Name: "airtable-backup"}}, store)
	require.NoError(t, err)
	ctx := context.Background()

	first := tableEvent("app1", "tbl1")
	second := tableEvent("app1", "tbl2")
	other := tableEvent("app2", "tbl9")
	require.NoError(t, em.Emit(ctx, first))
	require.NoError(t, em.Emit(ctx, second))
	require.NoError(t, em.Emit(ctx, other))

	assert.Empty(t, first.Chain.PrevEventHash)
	assert.Equal(t, first.Chain.EventHash, second.Chain.PrevEventHash)
	assert.Empty(t, other.Chain.PrevEventHash, "bases have separate chains")
	assert.Equal(t, "airtable-backup", second.Producer.Name)
	assert.NotEmpty(t, second.EventID)

	for _, evt := range []*Event{first, second, other} {
		ok, err := store.Exists(ctx, EventKey(evt))
		require.NoError(t, err)
		assert.True(t, ok, EventKey(evt))
	}
	assert.Equal(t, "metadata/audit/app1/tbl1_run-1.json", EventKey(first))
}

func TestChainHeadsSurviveRestart(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	em, err := NewEmitter(Config{Enabled: true}, store)
	require.NoError(t, err)
	first := tableEvent("app1", "tbl1")
	require.NoError(t, em.Emit(ctx, first))

	em, err = NewEmitter(Config{Enabled: true}, store)
	require.NoError(t, err)
	next := tableEvent("app1", "tbl1")
	next.RunID = "run-2"
	require.NoError(t, em.Emit(ctx, next))

	assert.Equal(t, first.Chain.EventHash, next.Chain.PrevEventHash)
}

func TestEmitPostsToEndpoint(t *testing.T) {
	store := newStore(t)
	em, err := NewEmitter(Config{
		Enabled:      true,
		Endpoint:     "https://audit.test/events",
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, store)
	require.NoError(t, err)
	ce := em.(*ChainEmitter)

	httpmock.ActivateNonDefault(ce.HTTPClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	calls := 0
	httpmock.RegisterResponder("POST", "https://audit.test/events",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(503, "busy"), nil
			}
			return httpmock.NewStringResponse(202, ""), nil
		})

	evt := tableEvent("app1", "tbl1")
	require.NoError(t, em.Emit(context.Background(), evt))
	assert.Equal(t, 2, calls)

	head, err := ce.chain.Head("app1")
	require.NoError(t, err)
	assert.Equal(t, evt.Chain.EventHash, head)
}

func TestRejectedEventKeepsChainHead(t *testing.T) {
	store := newStore(t)
	em, err := NewEmitter(Config{
		Enabled:      true,
		Endpoint:     "https://audit.test/events",
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, store)
	require.NoError(t, err)
	ce := em.(*ChainEmitter)

	httpmock.ActivateNonDefault(ce.HTTPClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder("POST", "https://audit.test/events",
		httpmock.NewStringResponder(400, "bad event"))

	err = em.Emit(context.Background(), tableEvent("app1", "tbl1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "client errors are not retried")

	_, err = ce.chain.Head("app1")
	assert.ErrorIs(t, err, ErrNoChainHead)
}

func TestDisabledEmitterWritesNothing(t *testing.T) {
	store := newStore(t)
	em, err := NewEmitter(Config{}, store)
	require.NoError(t, err)

	evt := tableEvent("app1", "tbl1")
	require.NoError(t, em.Emit(context.Background(), evt))
	require.NoError(t, em.Close())

	ok, err := store.Exists(context.Background(), EventKey(evt))
	require.NoError(t, err)
	assert.False(t, ok)
}
