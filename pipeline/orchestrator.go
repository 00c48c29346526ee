package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"gorm.io/gorm"

	"minerva_back/acquire"
	"minerva_back/ingest"
	"minerva_back/knowledge"
)

// ObjectReader resolves file-source object keys to text content. Satisfied by
// the storage module.
type ObjectReader interface {
	ReadText(ctx context.Context, objectKey string) (string, error)
}

var errCancelled = errors.New("pipeline: run cancelled")

// Orchestrator executes the staged ingestion state machine for one knowledge
// base per Run call: discovering, acquiring, chunking, embedding, indexing.
// Progress is persisted into the status store after every stage and batch;
// the cancellation flag is checked between every document and batch.
type Orchestrator struct {
	db       *gorm.DB
	status   StatusStore
	fetcher  acquire.Fetcher
	chunker  knowledge.Chunker
	embedder knowledge.Embedder
	vectors  knowledge.VectorStore
	files    ObjectReader

	fetchConcurrency int
	fetchAttempts    int
	embedBatchSize   int
	upsertBatchSize  int
	retryBase        time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFetchConcurrency bounds intra-stage fan-out during acquisition.
func WithFetchConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fetchConcurrency = n
		}
	}
}

// WithEmbedBatchSize bounds how many chunks go into one embedding call.
func WithEmbedBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.embedBatchSize = n
		}
	}
}

// WithRetryBase sets the base delay of the retry backoff.
func WithRetryBase(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retryBase = d
		}
	}
}

// NewOrchestrator wires the pipeline worker. files may be nil when no object
// storage is configured; file sources then fail per-document.
func NewOrchestrator(db *gorm.DB, status StatusStore, fetcher acquire.Fetcher, chunker knowledge.Chunker, embedder knowledge.Embedder, vectors knowledge.VectorStore, files ObjectReader, opts ...Option) (*Orchestrator, error) {
	if db == nil {
		return nil, errors.New("pipeline: database connection is required")
	}
	if status == nil {
		return nil, errors.New("pipeline: status store is required")
	}
	if fetcher == nil || chunker == nil || embedder == nil || vectors == nil {
		return nil, errors.New("pipeline: fetcher, chunker, embedder and vector store are required")
	}

	o := &Orchestrator{
		db:               db,
		status:           status,
		fetcher:          fetcher,
		chunker:          chunker,
		embedder:         embedder,
		vectors:          vectors,
		files:            files,
		fetchConcurrency: envInt("PIPELINE_FETCH_CONCURRENCY", 5),
		fetchAttempts:    3,
		embedBatchSize:   envInt("PIPELINE_EMBED_BATCH", 10),
		upsertBatchSize:  64,
		retryBase:        500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// Stage progress windows; the weighted sum keeps progress monotonic across
// the run: discovery 0-10, acquisition 10-40, chunking 40-55, embedding
// 55-85, indexing 85-100.
var stageWindows = map[string][2]int{
	StageDiscovering: {0, 10},
	StageAcquiring:   {10, 40},
	StageChunking:    {40, 55},
	StageEmbedding:   {55, 85},
	StageIndexing:    {85, 100},
}

type chunkRef struct {
	docID  string
	source string
	seg    knowledge.Segment
	vector []float32
	failed bool
}

type run struct {
	kb         *ingest.KnowledgeBase
	pipelineID string
	chunking   ingest.ChunkingConfig
	embedding  ingest.EmbeddingConfig
	// pageCache keeps pages fetched for link discovery so acquisition does
	// not hit the same URL twice.
	pageCache map[string]*acquire.Page
	chunks    []chunkRef
}

// Run executes one pipeline job. It never returns an error; all outcomes are
// persisted to the status store and the knowledge base row.
func (o *Orchestrator) Run(ctx context.Context, kbID string, pipelineID string) {
	defer func() {
		if err := o.status.Release(context.Background(), kbID); err != nil {
			log.Printf("pipeline: release running marker for %s failed: %v", kbID, err)
		}
	}()

	var kb ingest.KnowledgeBase
	if err := o.db.WithContext(ctx).Take(&kb, "id = ?", kbID).Error; err != nil {
		o.fail(ctx, pipelineID, kbID, fmt.Errorf("load knowledge base: %w", err))
		return
	}
	o.setKBStatus(ctx, kbID, ingest.KBStatusProcessing, "")
	o.logf(ctx, pipelineID, "info", "pipeline started", map[string]interface{}{"kb_id": kbID})

	r := &run{
		kb:         &kb,
		pipelineID: pipelineID,
		chunking:   kb.ChunkingConfig(),
		embedding:  kb.EmbeddingConfig(),
		pageCache:  make(map[string]*acquire.Page),
	}

	stages := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{StageDiscovering, o.discover},
		{StageAcquiring, o.acquireDocuments},
		{StageChunking, o.chunkDocuments},
		{StageEmbedding, o.embedChunks},
		{StageIndexing, o.indexVectors},
	}

	for _, stage := range stages {
		if err := o.transition(ctx, pipelineID, stage.name); err != nil {
			o.finishCancelled(ctx, pipelineID, kbID)
			return
		}
		if err := stage.fn(ctx, r); err != nil {
			if errors.Is(err, errCancelled) {
				o.finishCancelled(ctx, pipelineID, kbID)
				return
			}
			o.fail(ctx, pipelineID, kbID, fmt.Errorf("%s: %w", stage.name, err))
			return
		}
	}

	o.setKBStatus(ctx, kbID, ingest.KBStatusReady, "")
	if _, err := o.status.Update(ctx, pipelineID, func(status *Status) {
		status.Status = StatusCompleted
		status.CurrentStage = ""
		status.ProgressPercentage = 100
	}); err != nil {
		log.Printf("pipeline: flush terminal status for %s failed: %v", pipelineID, err)
	}
	o.logf(ctx, pipelineID, "info", "pipeline completed", nil)
}

// discover crawls web sources breadth-first, materializing a pending
// document per newly discovered URL. Text and file placeholders created at
// commit time are counted as discovered for this run.
func (o *Orchestrator) discover(ctx context.Context, r *run) error {
	var existing []ingest.Document
	if err := o.db.WithContext(ctx).Where("kb_id = ?", r.kb.ID).Find(&existing).Error; err != nil {
		return fmt.Errorf("load documents: %w", err)
	}

	visited := make(map[string]struct{})
	pending := 0
	for _, doc := range existing {
		if doc.Kind == ingest.SourceKindWeb {
			visited[doc.Source] = struct{}{}
		}
		if doc.Status == ingest.DocStatusPending {
			pending++
		}
	}
	if pending > 0 {
		o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.PagesDiscovered += pending })
	}

	type frontierItem struct {
		url   string
		depth int
	}

	for _, spec := range r.kb.SourceSpecs() {
		if spec.Kind != ingest.SourceKindWeb {
			continue
		}

		created := 0
		// Discovered-but-unprocessed URLs form an explicit FIFO frontier so
		// exploration stays breadth-first and memory stays bounded by
		// max_pages.
		var frontier []frontierItem

		seed := spec.URL
		normalizedSeed := seed
		if parsed, err := url.Parse(seed); err == nil {
			normalizedSeed = acquire.NormalizeURL(parsed)
		}
		if _, ok := visited[normalizedSeed]; !ok {
			visited[normalizedSeed] = struct{}{}
			if err := o.createWebDocument(ctx, r, normalizedSeed); err != nil {
				return err
			}
			created++
		}
		frontier = append(frontier, frontierItem{url: normalizedSeed, depth: 0})

		for len(frontier) > 0 {
			if err := o.checkCancelled(ctx, r.pipelineID); err != nil {
				return err
			}
			item := frontier[0]
			frontier = frontier[1:]

			if item.depth >= spec.MaxDepth || created >= spec.MaxPages {
				continue
			}

			page, err := o.fetcher.Fetch(ctx, item.url)
			if err != nil {
				// The document stays pending; acquisition retries it with
				// backoff.
				o.logf(ctx, r.pipelineID, "warn", "link discovery fetch failed", map[string]interface{}{"url": item.url, "error": err.Error()})
				continue
			}
			r.pageCache[item.url] = page

			for _, link := range page.Links {
				if created >= spec.MaxPages {
					break
				}
				if !acquire.SameHost(seed, link) {
					continue
				}
				if _, ok := visited[link]; ok {
					continue
				}
				visited[link] = struct{}{}
				if err := o.createWebDocument(ctx, r, link); err != nil {
					return err
				}
				created++
				frontier = append(frontier, frontierItem{url: link, depth: item.depth + 1})
			}
		}
		o.logf(ctx, r.pipelineID, "info", "web source discovered", map[string]interface{}{"seed": seed, "pages": created})
	}

	o.setProgress(ctx, r.pipelineID, StageDiscovering, 1, 1)
	return nil
}

func (o *Orchestrator) createWebDocument(ctx context.Context, r *run, url string) error {
	doc := ingest.Document{
		ID:     uuid.NewString(),
		KBID:   r.kb.ID,
		Source: url,
		Kind:   ingest.SourceKindWeb,
		Status: ingest.DocStatusPending,
	}
	if err := o.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return fmt.Errorf("create document for %s: %w", url, err)
	}
	o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.PagesDiscovered++ })
	return nil
}

// acquireDocuments fetches and normalizes content for every pending
// document with bounded fan-out. Per-document failures are recorded and do
// not abort the run unless every document fails.
func (o *Orchestrator) acquireDocuments(ctx context.Context, r *run) error {
	var docs []ingest.Document
	if err := o.db.WithContext(ctx).
		Where("kb_id = ? AND status = ?", r.kb.ID, ingest.DocStatusPending).
		Order("created_at").
		Find(&docs).Error; err != nil {
		return fmt.Errorf("load pending documents: %w", err)
	}
	if len(docs) == 0 {
		return errors.New("no documents discovered for processing")
	}

	pool, err := ants.NewPool(o.fetchConcurrency)
	if err != nil {
		return fmt.Errorf("create fetch pool: %w", err)
	}
	defer pool.Release()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		processed int
	)

	for i := range docs {
		if err := o.checkCancelled(ctx, r.pipelineID); err != nil {
			wg.Wait()
			return err
		}
		doc := docs[i]
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			ok := o.acquireOne(ctx, r, &doc)
			mu.Lock()
			processed++
			if ok {
				succeeded++
			}
			done := processed
			mu.Unlock()
			o.setProgress(ctx, r.pipelineID, StageAcquiring, done, len(docs))
		})
		if submitErr != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("submit fetch task: %w", submitErr)
		}
	}
	wg.Wait()

	if err := o.checkCancelled(ctx, r.pipelineID); err != nil {
		return err
	}
	if succeeded == 0 {
		return fmt.Errorf("all %d documents failed acquisition", len(docs))
	}
	return nil
}

func (o *Orchestrator) acquireOne(ctx context.Context, r *run, doc *ingest.Document) bool {
	var (
		content string
		title   string
		err     error
	)
	switch doc.Kind {
	case ingest.SourceKindText:
		content = doc.Content
	case ingest.SourceKindFile:
		content, err = o.readFileSource(ctx, doc)
	case ingest.SourceKindWeb:
		if page, ok := r.pageCache[doc.Source]; ok {
			content, title = page.Content, page.Title
		} else {
			var page *acquire.Page
			err = o.retry(ctx, o.fetchAttempts, func() error {
				fetched, fetchErr := o.fetcher.Fetch(ctx, doc.Source)
				if fetchErr != nil {
					if acquire.IsTransient(fetchErr) {
						return fetchErr
					}
					return &permanentError{cause: fetchErr}
				}
				page = fetched
				return nil
			})
			if err == nil {
				content, title = page.Content, page.Title
			}
		}
	default:
		err = fmt.Errorf("unknown document kind %q", doc.Kind)
	}

	if err == nil && strings.TrimSpace(content) == "" {
		err = errors.New("document has no extractable content")
	}

	if err != nil {
		o.markDocError(ctx, doc.ID, "acquisition failed: "+err.Error())
		o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.PagesFailed++ })
		o.logf(ctx, r.pipelineID, "warn", "document acquisition failed", map[string]interface{}{"document_id": doc.ID, "source": doc.Source, "error": err.Error()})
		return false
	}

	updates := map[string]interface{}{
		"status":     ingest.DocStatusProcessing,
		"content":    content,
		"word_count": len(strings.Fields(content)),
	}
	if title != "" && doc.Kind == ingest.SourceKindWeb {
		updates["metadata"] = ingest.MustJSON(map[string]string{"title": title})
	}
	if err := o.db.WithContext(ctx).Model(&ingest.Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		o.markDocError(ctx, doc.ID, "persist content failed: "+err.Error())
		o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.PagesFailed++ })
		return false
	}
	o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.PagesScraped++ })
	return true
}

func (o *Orchestrator) readFileSource(ctx context.Context, doc *ingest.Document) (string, error) {
	if o.files == nil {
		return "", errors.New("file storage is not configured")
	}
	meta := struct {
		ObjectKey string `json:"object_key"`
	}{}
	if err := doc.DecodeMetadata(&meta); err != nil || meta.ObjectKey == "" {
		return "", errors.New("document has no object key")
	}
	var content string
	err := o.retry(ctx, o.fetchAttempts, func() error {
		text, readErr := o.files.ReadText(ctx, meta.ObjectKey)
		if readErr != nil {
			return readErr
		}
		content = text
		return nil
	})
	return content, err
}

// chunkDocuments splits each acquired document with the frozen chunking
// configuration.
func (o *Orchestrator) chunkDocuments(ctx context.Context, r *run) error {
	var docs []ingest.Document
	if err := o.db.WithContext(ctx).
		Where("kb_id = ? AND status = ?", r.kb.ID, ingest.DocStatusProcessing).
		Order("created_at").
		Find(&docs).Error; err != nil {
		return fmt.Errorf("load acquired documents: %w", err)
	}

	for i := range docs {
		if err := o.checkCancelled(ctx, r.pipelineID); err != nil {
			return err
		}
		doc := &docs[i]
		segments, err := o.chunker.Chunk(doc.Content, r.chunking.Strategy, r.chunking.Size, r.chunking.Overlap)
		if err != nil {
			o.markDocError(ctx, doc.ID, "chunking failed: "+err.Error())
			continue
		}
		if len(segments) == 0 {
			o.markDocError(ctx, doc.ID, "content produced no chunks")
			continue
		}
		for _, seg := range segments {
			r.chunks = append(r.chunks, chunkRef{docID: doc.ID, source: doc.Source, seg: seg})
		}
		if err := o.db.WithContext(ctx).Model(&ingest.Document{}).
			Where("id = ?", doc.ID).
			Update("chunk_count", len(segments)).Error; err != nil {
			log.Printf("pipeline: persist chunk count for %s failed: %v", doc.ID, err)
		}
		o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.ChunksCreated += len(segments) })
		o.setProgress(ctx, r.pipelineID, StageChunking, i+1, len(docs))
	}
	return nil
}

// embedChunks batches chunks into embedding calls. A failed batch is retried
// once, then its chunks are dropped without aborting other batches; the run
// fails only when every batch fails.
func (o *Orchestrator) embedChunks(ctx context.Context, r *run) error {
	total := len(r.chunks)
	if total == 0 {
		return nil
	}

	batches := 0
	failedBatches := 0
	for start := 0; start < total; start += o.embedBatchSize {
		if err := o.checkCancelled(ctx, r.pipelineID); err != nil {
			return err
		}
		end := start + o.embedBatchSize
		if end > total {
			end = total
		}
		batch := r.chunks[start:end]
		batches++

		texts := make([]string, len(batch))
		for i, ref := range batch {
			texts[i] = ref.seg.Text
		}

		var vectors [][]float32
		err := o.retry(ctx, 2, func() error {
			embedded, embedErr := o.embedder.Embed(ctx, texts, r.embedding.Model)
			if embedErr != nil {
				return embedErr
			}
			if len(embedded) != len(texts) {
				return fmt.Errorf("embedding count mismatch (expected %d, got %d)", len(texts), len(embedded))
			}
			vectors = embedded
			return nil
		})
		if err != nil {
			failedBatches++
			for i := range batch {
				batch[i].failed = true
				o.markDocError(ctx, batch[i].docID, "embedding failed: "+err.Error())
			}
			o.logf(ctx, r.pipelineID, "warn", "embedding batch failed", map[string]interface{}{"size": len(batch), "error": err.Error()})
			continue
		}

		for i := range batch {
			batch[i].vector = vectors[i]
		}
		o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.EmbeddingsGenerated += len(batch) })
		o.setProgress(ctx, r.pipelineID, StageEmbedding, end, total)
	}

	if failedBatches == batches {
		return errors.New("embedding service unreachable: every batch failed")
	}
	return nil
}

// indexVectors writes embedded chunks into the vector index collection
// derived from the knowledge base id.
func (o *Orchestrator) indexVectors(ctx context.Context, r *run) error {
	var embedded []chunkRef
	for _, ref := range r.chunks {
		if !ref.failed && ref.vector != nil {
			embedded = append(embedded, ref)
		}
	}
	if len(embedded) == 0 {
		return errors.New("no vectors to index")
	}

	dim := r.embedding.Dimensions
	if dim <= 0 {
		dim = len(embedded[0].vector)
	}
	collection := knowledge.CollectionForKB(r.kb.ID)
	if err := o.vectors.EnsureCollection(ctx, collection, dim); err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}

	for start := 0; start < len(embedded); start += o.upsertBatchSize {
		if err := o.checkCancelled(ctx, r.pipelineID); err != nil {
			return err
		}
		end := start + o.upsertBatchSize
		if end > len(embedded) {
			end = len(embedded)
		}
		batch := embedded[start:end]

		points := make([]knowledge.Point, len(batch))
		for i, ref := range batch {
			points[i] = knowledge.Point{
				ID:     uuid.NewString(),
				Vector: ref.vector,
				Payload: map[string]interface{}{
					"kb_id":       r.kb.ID,
					"document_id": ref.docID,
					"source":      ref.source,
					"seq":         ref.seg.Seq,
					"text":        ref.seg.Text,
					"token_count": ref.seg.TokenCount,
				},
			}
		}

		err := o.retry(ctx, 2, func() error {
			return o.vectors.UpsertPoints(ctx, collection, points)
		})
		if err != nil {
			return fmt.Errorf("upsert into %s: %w", collection, err)
		}
		o.bumpStats(ctx, r.pipelineID, func(stats *Stats) { stats.VectorsIndexed += len(batch) })
		o.setProgress(ctx, r.pipelineID, StageIndexing, end, len(embedded))
	}

	if err := o.db.WithContext(ctx).Model(&ingest.Document{}).
		Where("kb_id = ? AND status = ?", r.kb.ID, ingest.DocStatusProcessing).
		Update("status", ingest.DocStatusIndexed).Error; err != nil {
		log.Printf("pipeline: mark documents indexed for %s failed: %v", r.kb.ID, err)
	}
	return nil
}

// transition advances the status entry to the next stage. An ErrConflict
// means the run was cancelled between stages.
func (o *Orchestrator) transition(ctx context.Context, pipelineID string, stage string) error {
	_, err := o.status.Update(ctx, pipelineID, func(status *Status) {
		status.Status = StatusRunning
		status.CurrentStage = stage
		status.ProgressPercentage = stageWindows[stage][0]
	})
	if errors.Is(err, ErrConflict) {
		return errCancelled
	}
	if err != nil {
		// A missed status update never aborts the pipeline.
		log.Printf("pipeline: stage transition write for %s failed: %v", pipelineID, err)
	}
	o.logf(ctx, pipelineID, "info", "stage started", map[string]interface{}{"stage": stage})
	return nil
}

func (o *Orchestrator) checkCancelled(ctx context.Context, pipelineID string) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	status, err := o.status.Get(ctx, pipelineID)
	if err != nil {
		return nil
	}
	if status.Status == StatusCancelled {
		return errCancelled
	}
	return nil
}

// finishCancelled records the cooperative stop. The status entry is already
// terminal; written chunks and vectors stay in place.
func (o *Orchestrator) finishCancelled(ctx context.Context, pipelineID, kbID string) {
	o.setKBStatus(ctx, kbID, ingest.KBStatusFailed, "processing cancelled by user")
	o.logf(ctx, pipelineID, "info", "pipeline cancelled", nil)
}

func (o *Orchestrator) fail(ctx context.Context, pipelineID, kbID string, cause error) {
	message := cause.Error()
	o.setKBStatus(ctx, kbID, ingest.KBStatusFailed, message)
	if _, err := o.status.Update(ctx, pipelineID, func(status *Status) {
		status.Status = StatusFailed
		status.Error = message
	}); err != nil && !errors.Is(err, ErrConflict) {
		log.Printf("pipeline: flush failed status for %s failed: %v", pipelineID, err)
	}
	o.logf(ctx, pipelineID, "error", "pipeline failed", map[string]interface{}{"error": message})
}

func (o *Orchestrator) setKBStatus(ctx context.Context, kbID, status, message string) {
	if len(message) > 500 {
		message = message[:500]
	}
	err := o.db.WithContext(ctx).Model(&ingest.KnowledgeBase{}).
		Where("id = ?", kbID).
		Updates(map[string]interface{}{"status": status, "error_message": message}).Error
	if err != nil {
		log.Printf("pipeline: set knowledge base %s status %s failed: %v", kbID, status, err)
	}
}

func (o *Orchestrator) markDocError(ctx context.Context, docID, message string) {
	if len(message) > 500 {
		message = message[:500]
	}
	err := o.db.WithContext(ctx).Model(&ingest.Document{}).
		Where("id = ?", docID).
		Updates(map[string]interface{}{"status": ingest.DocStatusError, "error_message": message}).Error
	if err != nil {
		log.Printf("pipeline: mark document %s errored failed: %v", docID, err)
	}
}

func (o *Orchestrator) bumpStats(ctx context.Context, pipelineID string, fn func(*Stats)) {
	if _, err := o.status.Update(ctx, pipelineID, func(status *Status) {
		fn(&status.Stats)
	}); err != nil && !errors.Is(err, ErrConflict) {
		log.Printf("pipeline: stats write for %s failed: %v", pipelineID, err)
	}
}

func (o *Orchestrator) setProgress(ctx context.Context, pipelineID string, stage string, done, total int) {
	if total <= 0 {
		return
	}
	window := stageWindows[stage]
	percent := window[0] + (window[1]-window[0])*done/total
	if _, err := o.status.Update(ctx, pipelineID, func(status *Status) {
		status.ProgressPercentage = percent
	}); err != nil && !errors.Is(err, ErrConflict) {
		log.Printf("pipeline: progress write for %s failed: %v", pipelineID, err)
	}
}

func (o *Orchestrator) logf(ctx context.Context, pipelineID, level, message string, details map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Details:   details,
	}
	if err := o.status.AppendLog(ctx, pipelineID, entry); err != nil {
		log.Printf("pipeline: append log for %s failed: %v", pipelineID, err)
	}
}

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string { return e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// retry runs op up to attempts times with exponential backoff, honoring
// context cancellation. A permanentError stops retrying immediately.
func (o *Orchestrator) retry(ctx context.Context, attempts int, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(lastErr, &permanent) {
			return permanent.cause
		}
		if attempt == attempts {
			break
		}

		delay := o.retryBase
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
