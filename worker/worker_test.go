package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/emit"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/vectorstore"
	"github.com/kasmira-labs/chatflow/workflow"
)

// fakeStore is a minimal store.Store double covering only what the worker
// touches, in the same per-package fake-double style as executor's
// fakeStore.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]workflow.Document
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string]workflow.Document{}} }

func (s *fakeStore) Get(ctx context.Context, botID, sessionID, key string) (pool.Value, bool, error) {
	return pool.Value{}, false, nil
}
func (s *fakeStore) Set(ctx context.Context, botID, sessionID, key string, v pool.Value) error {
	return nil
}
func (s *fakeStore) CreateRun(ctx context.Context, run workflow.WorkflowRun) error   { return nil }
func (s *fakeStore) FinishRun(ctx context.Context, run workflow.WorkflowRun) error   { return nil }
func (s *fakeStore) GetRun(ctx context.Context, runID string) (workflow.WorkflowRun, error) {
	return workflow.WorkflowRun{}, nil
}
func (s *fakeStore) RecordNodeExecutions(ctx context.Context, executions []workflow.NodeExecution) error {
	return nil
}
func (s *fakeStore) ListNodeExecutions(ctx context.Context, runID string) ([]workflow.NodeExecution, error) {
	return nil, nil
}
func (s *fakeStore) GetWorkflowVersion(ctx context.Context, id string) (workflow.WorkflowVersion, error) {
	return workflow.WorkflowVersion{}, nil
}
func (s *fakeStore) GetPublishedVersion(ctx context.Context, botID string) (workflow.WorkflowVersion, error) {
	return workflow.WorkflowVersion{}, nil
}

func (s *fakeStore) CreateDocument(ctx context.Context, doc workflow.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

func (s *fakeStore) UpdateDocumentStatus(ctx context.Context, documentID string, status workflow.DocumentStatus, chunkCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[documentID]
	doc.ID = documentID
	doc.Status = status
	doc.ChunkCount = chunkCount
	doc.ErrorMessage = errMsg
	s.docs[documentID] = doc
	return nil
}

func (s *fakeStore) GetDocument(ctx context.Context, documentID string) (workflow.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[documentID], nil
}

func (s *fakeStore) Close() error { return nil }

// fakeVectorStore is an in-memory vectorstore.Store double.
type fakeVectorStore struct {
	mu     sync.Mutex
	chunks map[string][]vectorstore.Chunk
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{chunks: map[string][]vectorstore.Chunk{}}
}

func (v *fakeVectorStore) Add(ctx context.Context, collection string, chunks []vectorstore.Chunk) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunks[collection] = append(v.chunks[collection], chunks...)
	return nil
}
func (v *fakeVectorStore) Search(ctx context.Context, collection string, q []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	return nil, nil
}
func (v *fakeVectorStore) Delete(ctx context.Context, collection string, filter vectorstore.Filter) error {
	return nil
}
func (v *fakeVectorStore) Get(ctx context.Context, collection, id string) (vectorstore.Chunk, bool, error) {
	return vectorstore.Chunk{}, false, nil
}
func (v *fakeVectorStore) Close() error { return nil }

// fakeEmbedder returns one deterministic 4-dim vector per input text, or a
// configured error.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 0, 0, 0}
	}
	return out, nil
}

// fakeDownloader writes fixed content to dst instead of calling S3.
type fakeDownloader struct {
	content []byte
}

func (f *fakeDownloader) Download(ctx context.Context, bucket, key string, dst *os.File) (int64, error) {
	n, err := dst.Write(f.content)
	return int64(n), err
}

func TestSplitText_RespectsChunkSizeAndOverlap(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
	chunks := SplitText(text, 100, 20)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 140) // some slack: merge keeps whole sentences
	}
	joined := strings.Join(chunks, "")
	assert.Contains(t, joined, "quick brown fox")
}

func TestSplitText_EmptyInput(t *testing.T) {
	assert.Empty(t, SplitText("", 100, 20))
	assert.Empty(t, SplitText("   \n  ", 100, 20))
}

func TestParseText_PlainTextFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	text, err := ParseText(path, "txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestParseText_UnsupportedExtension(t *testing.T) {
	_, err := ParseText("/tmp/whatever.exe", "exe")
	require.Error(t, err)
	assert.Equal(t, apperr.DocumentParsingError, apperr.KindOf(err, ""))
}

func TestParseText_EmptyFileIsParsingError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("   "), 0o644))

	_, err := ParseText(path, "txt")
	require.Error(t, err)
	assert.Equal(t, apperr.DocumentParsingError, apperr.KindOf(err, ""))
}

func newTestWorker(st *fakeStore, vectors *fakeVectorStore, embed Embedder, dl Downloader) *Worker {
	return &Worker{
		store:   st,
		vectors: vectors,
		embed:   embed,
		dl:      dl,
		emitter: emit.NewNullEmitter(),
		opts:    Options{}.withDefaults(),
	}
}

func TestProcessDocument_Succeeds(t *testing.T) {
	st := newFakeStore()
	vectors := newFakeVectorStore()
	w := newTestWorker(st, vectors, &fakeEmbedder{}, &fakeDownloader{content: []byte(strings.Repeat("hello world. ", 50))})

	msg := Message{DocumentID: "doc-1", BotID: "bot-1", S3URI: "s3://bucket/key.txt", FileExtension: "txt"}
	err := w.processDocument(context.Background(), msg)
	require.NoError(t, err)

	doc, _ := st.GetDocument(context.Background(), "doc-1")
	assert.Equal(t, workflow.DocumentDone, doc.Status)
	assert.Greater(t, doc.ChunkCount, 0)

	stored := vectors.chunks["bot-1"]
	assert.Len(t, stored, doc.ChunkCount)
	assert.Equal(t, vectorstore.ChunkID("doc-1", 0), stored[0].ID)
}

func TestProcessDocument_EmbeddingCircuitOpenPropagates(t *testing.T) {
	st := newFakeStore()
	vectors := newFakeVectorStore()
	breakerErr := apperr.New(apperr.EmbeddingCircuitOpen, "circuit open")
	w := newTestWorker(st, vectors, &fakeEmbedder{err: breakerErr}, &fakeDownloader{content: []byte("hello world")})

	msg := Message{DocumentID: "doc-2", BotID: "bot-1", S3URI: "s3://bucket/key.txt", FileExtension: "txt"}
	err := w.processDocument(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, apperr.EmbeddingCircuitOpen, apperr.KindOf(err, ""))

	doc, _ := st.GetDocument(context.Background(), "doc-2")
	assert.Equal(t, workflow.DocumentEmbedding, doc.Status) // not yet marked failed/done by processDocument itself
}

func TestProcessDocument_ParseFailureMarksNoChunks(t *testing.T) {
	st := newFakeStore()
	vectors := newFakeVectorStore()
	w := newTestWorker(st, vectors, &fakeEmbedder{}, &fakeDownloader{content: []byte("   ")})

	msg := Message{DocumentID: "doc-3", BotID: "bot-1", S3URI: "s3://bucket/key.txt", FileExtension: "txt"}
	err := w.processDocument(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, apperr.DocumentParsingError, apperr.KindOf(err, ""))
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://my-bucket/docs/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "docs/file.pdf", key)

	_, _, err = ParseS3URI("https://example.com/file.pdf")
	assert.Error(t, err)
}
