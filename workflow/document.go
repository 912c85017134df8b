package workflow

import "time"

// DocumentStatus is the lifecycle state of an uploaded knowledge document
// as it moves through the EmbeddingWorker pipeline (§3.5, §6.4 documents
// table).
type DocumentStatus string

// The Document lifecycle states.
const (
	DocumentQueued     DocumentStatus = "queued"
	DocumentProcessing DocumentStatus = "processing"
	DocumentDone       DocumentStatus = "done"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is one uploaded knowledge-base source file, tracked through
// queued -> processing -> done (or failed) as the EmbeddingWorker parses,
// chunks, and embeds it (§3.5).
type Document struct {
	ID           string         `json:"id"`
	BotID        string         `json:"bot_id"`
	CollectionID string         `json:"collection_id"`
	Filename     string         `json:"filename"`
	SourceURI    string         `json:"source_uri"`
	ContentType  string         `json:"content_type"`
	Status       DocumentStatus `json:"status"`
	ChunkCount   int            `json:"chunk_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Chunk is one unit of a parsed, split document prior to embedding (§4.8).
type Chunk struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Tokens  int    `json:"tokens,omitempty"`
}

// DocumentChunkRecord is one embedded, stored chunk as it lives in the
// vector store, keyed "<document_id>_chunk_<i>" per §4.9.
type DocumentChunkRecord struct {
	ID           string                 `json:"id"`
	DocumentID   string                 `json:"document_id"`
	CollectionID string                 `json:"collection_id"`
	ChunkIndex   int                    `json:"chunk_index"`
	Content      string                 `json:"content"`
	Embedding    []float32              `json:"embedding"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
