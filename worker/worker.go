// Package worker implements the EmbeddingWorker (C9): a long-running
// consumer of the document-processing queue that downloads, parses,
// chunks, embeds, and upserts one uploaded knowledge document at a time,
// per §4.9's 8-step pipeline. Consumer connect/start/process follows the
// streadway/amqp idiom: manual ack with Qos(1).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/emit"
	"github.com/kasmira-labs/chatflow/store"
	"github.com/kasmira-labs/chatflow/vectorstore"
	"github.com/kasmira-labs/chatflow/workflow"
)

// Message is the worker queue payload (§6.2).
type Message struct {
	DocumentID       string `json:"document_id"`
	BotID            string `json:"bot_id"`
	UserID           string `json:"user_id"`
	S3URI            string `json:"s3_uri"`
	OriginalFilename string `json:"original_filename"`
	FileExtension    string `json:"file_extension"`
	RetryCount       int    `json:"retry_count"`
}

// Embedder is the subset of embedding.Service the worker needs, kept as a
// narrow local interface so tests don't need a real provider/limiter/
// breaker stack.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures a Worker. Zero values take the §6.5 chunking.* /
// run.* defaults.
type Options struct {
	QueueName    string
	Concurrency  int
	ChunkSize    int
	ChunkOverlap int
}

func (o Options) withDefaults() Options {
	if o.QueueName == "" {
		o.QueueName = "document-processing"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 512
	}
	if o.ChunkOverlap <= 0 {
		o.ChunkOverlap = 128
	}
	return o
}

// Worker is the EmbeddingWorker: N concurrent consumers against one AMQP
// queue, each processing one document message at a time (§5 worker
// concurrency model).
type Worker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	store   store.Store
	vectors vectorstore.Store
	embed   Embedder
	dl      Downloader
	emitter emit.Emitter
	opts    Options
}

// New connects to amqpURL, declares the configured queue durable, and sets
// a per-consumer prefetch of 1 so each consumer handles one document at a
// time.
func New(amqpURL string, st store.Store, vectors vectorstore.Store, embed Embedder, dl Downloader, emitter emit.Emitter, opts Options) (*Worker, error) {
	opts = opts.withDefaults()
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to connect to queue: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker: failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(opts.QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("worker: failed to declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("worker: failed to set qos: %w", err)
	}

	return &Worker{conn: conn, channel: ch, store: st, vectors: vectors, embed: embed, dl: dl, emitter: emitter, opts: opts}, nil
}

// Close shuts down the AMQP channel and connection.
func (w *Worker) Close() error {
	if w.channel != nil {
		w.channel.Close()
	}
	if w.conn != nil {
		w.conn.Close()
	}
	return nil
}

// Run starts Options.Concurrency consumer goroutines and blocks until ctx
// is cancelled, then closes the connection.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.channel.Consume(w.opts.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker: failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx, deliveries)
		}()
	}

	<-ctx.Done()
	w.channel.Cancel("", false)
	wg.Wait()
	return w.Close()
}

func (w *Worker) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery dispatches one message through the pipeline and
// acknowledges it per §4.9's failure-disposition table: a circuit-open
// embedding error sets the document back to queued and Nacks the message
// with requeue, so the broker redelivers it; any other error (parsing,
// vector store, ...) marks the document failed and acks (deletes) the
// message; success acks the message.
func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		d.Nack(false, false) // malformed payload: drop, never redeliver
		return
	}

	err := w.processDocument(ctx, msg)
	switch {
	case err == nil:
		d.Ack(false)
	case apperr.KindOf(err, "") == apperr.EmbeddingCircuitOpen:
		_ = w.store.UpdateDocumentStatus(ctx, msg.DocumentID, workflow.DocumentQueued, 0, "")
		d.Nack(false, true)
	default:
		_ = w.store.UpdateDocumentStatus(ctx, msg.DocumentID, workflow.DocumentFailed, 0, err.Error())
		w.emitFailure(msg, err)
		d.Ack(false)
	}
}

// processDocument runs §4.9 steps 1-7: mark processing, download, parse,
// chunk, mark embedding, embed, upsert, mark done. Step 8 (acking the message) is the
// caller's responsibility, since it depends on how the pipeline
// terminates.
func (w *Worker) processDocument(ctx context.Context, msg Message) error {
	start := time.Now()

	if err := w.store.UpdateDocumentStatus(ctx, msg.DocumentID, workflow.DocumentProcessing, 0, ""); err != nil {
		return fmt.Errorf("worker: mark processing: %w", err)
	}

	text, err := w.downloadAndParse(ctx, msg)
	if err != nil {
		return err
	}

	chunks := SplitText(text, w.opts.ChunkSize, w.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return apperr.New(apperr.DocumentParsingError, "worker: no chunks produced from parsed text")
	}

	if err := w.store.UpdateDocumentStatus(ctx, msg.DocumentID, workflow.DocumentEmbedding, 0, ""); err != nil {
		return fmt.Errorf("worker: mark embedding: %w", err)
	}

	vectors, err := w.embed.EmbedDocuments(ctx, chunks)
	if err != nil {
		return err // propagates embedding_circuit_open as-is for the caller's disposition switch
	}
	if len(vectors) != len(chunks) {
		return apperr.New(apperr.VectorStoreError, "worker: embedding count does not match chunk count")
	}

	records := make([]vectorstore.Chunk, len(chunks))
	now := time.Now()
	for i, c := range chunks {
		records[i] = vectorstore.Chunk{
			ID:        vectorstore.ChunkID(msg.DocumentID, i),
			Embedding: vectors[i],
			Text:      c,
			Metadata: map[string]interface{}{
				"document_id": msg.DocumentID,
				"bot_id":      msg.BotID,
				"user_id":     msg.UserID,
				"filename":    msg.OriginalFilename,
				"chunk_index": i,
				"chunk_id":    vectorstore.ChunkID(msg.DocumentID, i),
				"created_at":  now,
			},
		}
	}
	if err := w.vectors.Add(ctx, msg.BotID, records); err != nil {
		return apperr.Wrap(apperr.VectorStoreError, "worker: vector upsert failed", err)
	}

	if err := w.store.UpdateDocumentStatus(ctx, msg.DocumentID, workflow.DocumentDone, len(chunks), ""); err != nil {
		return fmt.Errorf("worker: mark done: %w", err)
	}

	w.emitter.Emit(emit.Event{
		RunID: msg.DocumentID,
		Msg:   "document.embedded",
		Meta: map[string]interface{}{
			"bot_id":          msg.BotID,
			"chunk_count":     len(chunks),
			"processing_time": time.Since(start).Seconds(),
		},
	})
	return nil
}

func (w *Worker) downloadAndParse(ctx context.Context, msg Message) (string, error) {
	bucket, key, err := ParseS3URI(msg.S3URI)
	if err != nil {
		return "", apperr.Wrap(apperr.DocumentParsingError, "worker: invalid s3_uri", err)
	}

	tmp, err := os.CreateTemp("", "chatflow-doc-*")
	if err != nil {
		return "", fmt.Errorf("worker: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = w.dl.Download(ctx, bucket, key, tmp)
	closeErr := tmp.Close()
	if err != nil {
		return "", err
	}
	if closeErr != nil {
		return "", fmt.Errorf("worker: close downloaded file: %w", closeErr)
	}

	return ParseText(tmpPath, msg.FileExtension)
}

// emitFailure is a fire-and-forget observability event; recorder/emitter
// failures never affect document disposition, mirroring the executor's
// emitCompletion panic guard (§4.13).
func (w *Worker) emitFailure(msg Message, cause error) {
	defer func() { _ = recover() }()
	w.emitter.Emit(emit.Event{
		RunID: msg.DocumentID,
		Msg:   "document.failed",
		Meta: map[string]interface{}{
			"bot_id": msg.BotID,
			"error":  cause.Error(),
		},
	})
}
