package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paper-app/gateway/internal/domain"
)

type fakeIngestor struct {
	refreshed []string
	merged    []domain.Document
	cached    []string
	cacheOK   bool
	err       error
}

func (f *fakeIngestor) Refresh(_ context.Context, paperID, fields string) error {
	f.refreshed = append(f.refreshed, paperID+"|"+fields)
	return f.err
}

func (f *fakeIngestor) MergeFull(_ context.Context, doc domain.Document) error {
	f.merged = append(f.merged, doc)
	return f.err
}

func (f *fakeIngestor) CachePaper(_ context.Context, paperID string, _ domain.Document, _ string) bool {
	f.cached = append(f.cached, paperID)
	return f.cacheOK
}

func TestQueueWithoutBroker(t *testing.T) {
	q := NewQueue(nil, zerolog.Nop())

	assert.False(t, q.Connected())
	assert.False(t, q.EnqueueFetch(context.Background(), "abc", ""))
	assert.False(t, q.EnqueueGraphMerge(context.Background(), domain.Document{"paperId": "abc"}))
	assert.False(t, q.EnqueueSetCache(context.Background(), "abc", nil, ""))
}

func TestHandleFetch(t *testing.T) {
	svc := &fakeIngestor{}
	w := NewWorker(nil, svc, 0, zerolog.Nop())

	payload, err := json.Marshal(FetchTask{TaskID: "t1", PaperID: "abc", Fields: "title,year"})
	require.NoError(t, err)

	require.NoError(t, w.handleFetch(payload))
	assert.Equal(t, []string{"abc|title,year"}, svc.refreshed)
}

func TestHandleFetchRejectsEmptyID(t *testing.T) {
	w := NewWorker(nil, &fakeIngestor{}, 0, zerolog.Nop())

	payload, _ := json.Marshal(FetchTask{TaskID: "t1"})
	assert.Error(t, w.handleFetch(payload))
	assert.Error(t, w.handleFetch([]byte("not json")))
}

func TestHandleMerge(t *testing.T) {
	svc := &fakeIngestor{}
	w := NewWorker(nil, svc, 0, zerolog.Nop())

	doc := domain.Document{"paperId": "abc", "title": "T"}
	payload, err := json.Marshal(MergeTask{TaskID: "t2", Doc: doc})
	require.NoError(t, err)

	require.NoError(t, w.handleMerge(payload))
	require.Len(t, svc.merged, 1)
	assert.Equal(t, "abc", domain.PaperID(svc.merged[0]))

	noID, _ := json.Marshal(MergeTask{TaskID: "t3", Doc: domain.Document{"title": "no id"}})
	assert.Error(t, w.handleMerge(noID))
}

func TestHandleCache(t *testing.T) {
	svc := &fakeIngestor{cacheOK: true}
	w := NewWorker(nil, svc, 0, zerolog.Nop())

	payload, _ := json.Marshal(CacheTask{TaskID: "t4", PaperID: "abc", Doc: domain.Document{"paperId": "abc"}})
	require.NoError(t, w.handleCache(payload))
	assert.Equal(t, []string{"abc"}, svc.cached)

	svc.cacheOK = false
	assert.Error(t, w.handleCache(payload))
}
