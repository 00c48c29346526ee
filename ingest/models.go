package ingest

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// Knowledge base lifecycle states. Status is mutated only by the pipeline
// orchestrator and the cancellation path once the row exists.
const (
	KBStatusPending    = "pending"
	KBStatusProcessing = "processing"
	KBStatusReady      = "ready"
	KBStatusFailed     = "failed"
)

// Document lifecycle states. Transitions are monotonic:
// pending -> processing -> {indexed | error}.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusIndexed    = "indexed"
	DocStatusError      = "error"
)

// Source kinds accepted in a draft.
const (
	SourceKindWeb  = "web"
	SourceKindFile = "file"
	SourceKindText = "text"
)

// ChunkingConfig is frozen into the knowledge base at commit time.
type ChunkingConfig struct {
	Strategy string `json:"strategy"`
	Size     int    `json:"size"`
	Overlap  int    `json:"overlap"`
}

// EmbeddingConfig is frozen into the knowledge base at commit time.
type EmbeddingConfig struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// SourceSpec describes one content source inside a draft. Immutable once
// added; removed only by index.
type SourceSpec struct {
	Kind string `json:"kind"`

	// web
	URL      string `json:"url,omitempty"`
	MaxPages int    `json:"max_pages,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty"`

	// file
	ObjectKey string `json:"object_key,omitempty"`
	FileName  string `json:"file_name,omitempty"`

	// text
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// Draft is the ephemeral pre-commit configuration of a knowledge base.
type Draft struct {
	ID          string          `json:"draft_id"`
	WorkspaceID string          `json:"workspace_id"`
	CreatedBy   string          `json:"created_by"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Sources     []SourceSpec    `json:"sources"`
	Chunking    ChunkingConfig  `json:"chunking"`
	Embedding   EmbeddingConfig `json:"embedding"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// KnowledgeBase is the durable record created at commit time.
type KnowledgeBase struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID  string         `gorm:"size:64;not null;index" json:"workspace_id"`
	CreatedBy    string         `gorm:"size:64;not null" json:"created_by"`
	Name         string         `gorm:"size:200;not null" json:"name"`
	Description  string         `gorm:"size:500" json:"description,omitempty"`
	Sources      datatypes.JSON `gorm:"type:json" json:"sources"`
	Chunking     datatypes.JSON `gorm:"type:json" json:"chunking"`
	Embedding    datatypes.JSON `gorm:"type:json" json:"embedding"`
	Status       string         `gorm:"size:16;not null;default:'pending'" json:"status"`
	ErrorMessage string         `gorm:"size:500" json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "kb_bases"
}

// ChunkingConfig decodes the frozen chunking settings.
func (kb *KnowledgeBase) ChunkingConfig() ChunkingConfig {
	var config ChunkingConfig
	_ = json.Unmarshal(kb.Chunking, &config)
	return config
}

// EmbeddingConfig decodes the frozen embedding settings.
func (kb *KnowledgeBase) EmbeddingConfig() EmbeddingConfig {
	var config EmbeddingConfig
	_ = json.Unmarshal(kb.Embedding, &config)
	return config
}

// SourceSpecs decodes the frozen source list. Kept on the row so manual
// re-indexing works after the draft expired.
func (kb *KnowledgeBase) SourceSpecs() []SourceSpec {
	var specs []SourceSpec
	_ = json.Unmarshal(kb.Sources, &specs)
	return specs
}

// Document is one ingested page, file or text unit. Placeholders are created
// at commit time for text/file sources and during discovery for crawled pages.
type Document struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	KBID         string         `gorm:"column:kb_id;size:36;not null;index" json:"kb_id"`
	Source       string         `gorm:"size:512;not null" json:"source"`
	Kind         string         `gorm:"size:8;not null" json:"kind"`
	Status       string         `gorm:"size:16;not null;default:'pending'" json:"status"`
	Content      string         `gorm:"type:mediumtext" json:"content,omitempty"`
	WordCount    int            `gorm:"not null;default:0" json:"word_count"`
	ChunkCount   int            `gorm:"not null;default:0" json:"chunk_count"`
	ErrorMessage string         `gorm:"size:500" json:"error_message,omitempty"`
	Metadata     datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "kb_documents"
}

// DecodeMetadata unmarshals the metadata blob into out.
func (d *Document) DecodeMetadata(out interface{}) error {
	if len(d.Metadata) == 0 {
		return errors.New("ingest: document has no metadata")
	}
	return json.Unmarshal(d.Metadata, out)
}

// AutoMigrate creates the durable tables.
func AutoMigrate(db interface {
	AutoMigrate(dst ...interface{}) error
}) error {
	return db.AutoMigrate(&KnowledgeBase{}, &Document{})
}

// MustJSON marshals v into a JSON column value, degrading to an empty object
// on marshal failure.
func MustJSON(v interface{}) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}
