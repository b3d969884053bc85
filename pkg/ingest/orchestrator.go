package ingest

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/classmind/kbengine/pkg/chunker"
	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/embedcache"
	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/events"
	"github.com/classmind/kbengine/pkg/extract"
	"github.com/classmind/kbengine/pkg/jobs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
	"github.com/classmind/kbengine/pkg/provider"
	"github.com/classmind/kbengine/pkg/ratelimit"
	"github.com/classmind/kbengine/pkg/store"
	"github.com/classmind/kbengine/pkg/textclean"
	"github.com/classmind/kbengine/pkg/types"
	"github.com/classmind/kbengine/pkg/vectorstore"
)

// VectorStore is the slice of the vector adapter the orchestrator
// needs. Tests substitute an in-memory implementation.
type VectorStore interface {
	EnsureCollection(ctx context.Context, tenantID string, dims int) error
	UpsertPoints(ctx context.Context, tenantID string, points []vectorstore.Point) error
	DeletePointsByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) error
	DeletePointsByDocument(ctx context.Context, tenantID, documentID string) error
}

// Orchestrator drives the document lifecycle: admission, background
// processing, partial reindex, versioning, rollback, and batches.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	vectors  VectorStore
	cache    *embedcache.Cache
	embedder provider.Embedder
	limits   *ratelimit.Limits
	engine   chunker.Chunker
	proc     *extract.Processor
	broker   *events.Broker
	queue    *jobs.Queue
	files    layout

	embedAlias string
	embedModel string
}

// New wires the orchestrator.
func New(cfg *config.Config, st *store.Store, vectors VectorStore, cache *embedcache.Cache,
	embedder provider.Embedder, limits *ratelimit.Limits, engine chunker.Chunker,
	proc *extract.Processor, broker *events.Broker, queue *jobs.Queue) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		vectors:    vectors,
		cache:      cache,
		embedder:   embedder,
		limits:     limits,
		engine:     engine,
		proc:       proc,
		broker:     broker,
		queue:      queue,
		files:      layout{root: cfg.StorageDir},
		embedAlias: "qwen",
		embedModel: "text-embedding-v3",
	}
}

// UploadRequest is one file offered for ingestion.
type UploadRequest struct {
	FileName     string
	DeclaredMime string
	Data         []byte
	Category     string
	Tags         []string
}

// admit validates one upload against the space's caps and the MIME
// allowlist. No state is written.
func (o *Orchestrator) admit(ctx context.Context, space *types.KnowledgeSpace, req *UploadRequest) error {
	if err := o.limits.AllowUpload(ctx, space.UserID); err != nil {
		return err
	}

	count, err := o.store.CountDocuments(ctx, space.ID)
	if err != nil {
		return err
	}
	if count >= o.cfg.MaxDocumentsPerUser {
		return errdefs.E(errdefs.KindQuotaExceeded,
			"document cap reached: %d of %d", count, o.cfg.MaxDocumentsPerUser)
	}
	if int64(len(req.Data)) > o.cfg.MaxFileSize {
		return errdefs.E(errdefs.KindFileTooLarge,
			"file is %d bytes, cap is %d", len(req.Data), o.cfg.MaxFileSize)
	}

	name := CanonicalFileName(req.FileName)
	if name == "" {
		return errdefs.E(errdefs.KindUnsupportedType, "empty file name")
	}
	if _, err := o.store.GetDocumentByName(ctx, space.ID, name); err == nil {
		return errdefs.E(errdefs.KindConflict, "document %q already exists", name)
	} else if errdefs.KindOf(err) != errdefs.KindNotFound {
		return err
	}

	return extract.ValidateType(req.Data, req.DeclaredMime)
}

// Upload admits one file, persists its bytes and row, and queues
// processing. The returned document is in pending state.
func (o *Orchestrator) Upload(ctx context.Context, userID string, req *UploadRequest) (*types.Document, error) {
	space, err := o.store.EnsureSpace(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := o.admit(ctx, space, req); err != nil {
		return nil, err
	}
	doc, err := o.createDocument(ctx, space, req)
	if err != nil {
		return nil, err
	}
	o.queueProcess(doc, "")
	return doc, nil
}

func (o *Orchestrator) createDocument(ctx context.Context, space *types.KnowledgeSpace, req *UploadRequest) (*types.Document, error) {
	if err := extract.ValidateType(req.Data, req.DeclaredMime); err != nil {
		return nil, err
	}

	name := CanonicalFileName(req.FileName)
	doc := &types.Document{
		ID:          uuid.NewString(),
		SpaceID:     space.ID,
		UserID:      space.UserID,
		FileName:    name,
		FileType:    extract.NormalizeMime(req.DeclaredMime),
		FileSize:    int64(len(req.Data)),
		Status:      types.DocumentStatusPending,
		ContentHash: contentHash(req.Data),
		Category:    req.Category,
		Tags:        req.Tags,
		Version:     1,
	}
	doc.FilePath = o.files.documentPath(space.UserID, doc.ID, name)

	if err := writeFile(doc.FilePath, req.Data); err != nil {
		return nil, errdefs.Wrap(errdefs.KindStoreWriteFailed, err, "persist upload %s", name)
	}
	if err := o.store.CreateDocument(ctx, doc); err != nil {
		os.Remove(doc.FilePath)
		return nil, err
	}

	o.broker.Publish(events.EventDocumentQueued, "document queued", map[string]string{
		"document_id": doc.ID,
		"user_id":     space.UserID,
	})
	return doc, nil
}

func (o *Orchestrator) queueProcess(doc *types.Document, batchID string) {
	o.queue.Enqueue("ingest:"+doc.ID, func(jctx context.Context) error {
		return o.Process(jctx, doc.ID, batchID)
	})
}

// Process runs the full pipeline for a pending document. It is the
// body of the background job; batchID, when set, advances the batch
// counters on completion.
func (o *Orchestrator) Process(ctx context.Context, documentID, batchID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if err := o.process(ctx, doc); err != nil {
		o.fail(ctx, doc, err)
		// The batch counts final outcomes only. A retryable failure on a
		// non-final attempt bubbles up so the job queue re-runs the
		// document; its slot settles once the last attempt resolves.
		if !errdefs.IsRetryable(err) || jobs.FinalAttempt(ctx) {
			o.settleBatch(ctx, batchID, true)
		}
		if errdefs.IsRetryable(err) {
			return err
		}
		return nil
	}
	o.settleBatch(ctx, batchID, false)
	return nil
}

func (o *Orchestrator) process(ctx context.Context, doc *types.Document) error {
	if err := o.setStage(ctx, doc, types.StageExtracting, 10); err != nil {
		return err
	}

	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindExtractionFailed, err, "read stored file")
	}

	text, pages, meta, language, err := o.extractClean(ctx, doc, data)
	if err != nil {
		return err
	}

	o.setStage(ctx, doc, types.StageChunking, 40)
	chunks, err := o.chunk(ctx, doc, text, pages, 0)
	if err != nil {
		return err
	}

	o.setStage(ctx, doc, types.StageEmbedding, 60)
	vectors, err := o.embedChunks(ctx, doc.UserID, chunks, nil)
	if err != nil {
		return err
	}

	o.setStage(ctx, doc, types.StageIndexing, 80)
	if err := o.indexNewChunks(ctx, doc, chunks, vectors); err != nil {
		return err
	}

	doc.ChunkCount = len(chunks)
	doc.Language = language
	doc.ExtractedMetadata = meta
	if err := o.store.FinishIndexing(ctx, doc); err != nil {
		return err
	}

	o.finishOK(doc, len(chunks))
	return nil
}

func (o *Orchestrator) finishOK(doc *types.Document, chunks int) {
	metrics.DocumentsIngested.WithLabelValues("completed").Inc()
	metrics.ChunksIndexed.Add(float64(chunks))
	o.broker.Publish(events.EventDocumentCompleted, "document indexed", map[string]string{
		"document_id": doc.ID,
		"user_id":     doc.UserID,
	})
	log.WithDocument(doc.ID).Info().
		Int("chunks", chunks).
		Int("version", doc.Version).
		Msg("document indexed")
}

// extractClean runs extraction and the cleaning passes, returning the
// cleaned text.
func (o *Orchestrator) extractClean(ctx context.Context, doc *types.Document, data []byte) (string, []types.PageInfo, map[string]string, string, error) {
	start := time.Now()
	res, err := o.proc.Extract(ctx, data, doc.FileType)
	if err != nil {
		return "", nil, nil, "", err
	}
	metrics.IngestStageDuration.WithLabelValues(string(types.StageExtracting)).
		Observe(time.Since(start).Seconds())

	o.setStage(ctx, doc, types.StageCleaning, 25)
	space, err := o.store.GetSpace(ctx, doc.SpaceID)
	if err != nil {
		return "", nil, nil, "", err
	}

	text := res.Text
	if space.CleaningRule != nil {
		text = textclean.Clean(text, textclean.Rules{
			CollapseWhitespace: space.CleaningRule.CollapseWhitespace,
			RemoveURLs:         space.CleaningRule.RemoveURLs,
			RemoveEmails:       space.CleaningRule.RemoveEmails,
		})
	} else {
		text = textclean.Minimum(text)
	}
	return text, res.Pages, res.Metadata, res.Language, nil
}

// chunk produces the chunk set and enforces the tenant chunk cap
// before any embedding happens. replacing is the document's current
// chunk count, discounted from the cap during reindex.
func (o *Orchestrator) chunk(ctx context.Context, doc *types.Document, text string, pages []types.PageInfo, replacing int) ([]types.Chunk, error) {
	params := chunker.Params{
		ChunkSize: o.cfg.ChunkSize,
		Overlap:   o.cfg.ChunkOverlap,
	}

	existing, err := o.store.CountChunksByUser(ctx, doc.UserID)
	if err != nil {
		return nil, err
	}
	existing -= replacing
	if err := chunker.ValidateCount(o.engine, text, params, existing, o.cfg.MaxChunksPerUser); err != nil {
		return nil, err
	}

	res, err := o.engine.ChunkText(ctx, text, pages, params)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindChunkingFailed, err, "chunk document %s", doc.ID)
	}
	for _, w := range res.Warnings {
		log.WithDocument(doc.ID).Warn().Msg(w)
	}

	chunks := res.Chunks
	for i := range chunks {
		chunks[i].ID = uuid.NewString()
		chunks[i].DocumentID = doc.ID
	}
	return chunks, nil
}

// embedChunks resolves chunk vectors keyed by chunk id, serving from
// the doc cache and embedding the rest. reuse maps chunk ids to
// already-known vectors (kept chunks during reindex) and is consulted
// before the cache.
func (o *Orchestrator) embedChunks(ctx context.Context, userID string, chunks []types.Chunk, reuse map[string][]float32) (map[string][]float32, error) {
	out := make(map[string][]float32, len(chunks))
	var need []types.Chunk
	for _, c := range chunks {
		if vec, ok := reuse[c.ID]; ok {
			out[c.ID] = vec
			continue
		}
		need = append(need, c)
	}
	if len(need) == 0 {
		return out, nil
	}

	texts := make([]string, len(need))
	for i, c := range need {
		texts[i] = c.Text
	}

	cached, err := o.cache.GetDoc(ctx, o.embedModel, o.embedAlias, texts)
	if err != nil {
		return nil, err
	}

	var missIdx []int
	var missTexts []string
	for i := range texts {
		if vec, ok := cached[i]; ok {
			out[need[i].ID] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	// One RPM unit per chunk to embed. Fail fast before embedding
	// anything so a document never half-embeds.
	if headroom := o.limits.EmbeddingHeadroom(ctx, userID); headroom < len(missTexts) {
		return nil, errdefs.E(errdefs.KindRateLimited,
			"embedding rate budget too low: need %d units, %d available", len(missTexts), headroom)
	}
	if err := o.limits.AllowEmbedding(ctx, userID, len(missTexts)); err != nil {
		return nil, err
	}

	start := time.Now()
	vectors, _, err := o.embedder.Embed(ctx, o.embedAlias, missTexts, o.cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	metrics.IngestStageDuration.WithLabelValues(string(types.StageEmbedding)).
		Observe(time.Since(start).Seconds())

	if err := o.cache.PutDoc(ctx, o.embedModel, o.embedAlias, missTexts, vectors); err != nil {
		log.WithTenant(userID).Warn().Err(err).Msg("embedding cache write failed")
	}
	for n, i := range missIdx {
		out[need[i].ID] = vectors[n]
	}
	return out, nil
}

// indexNewChunks commits chunk rows and vector points together: chunk
// ids exist in the open transaction before the vector write, the
// transaction rolls back when the vector write fails, and the vectors
// are deleted again when the commit itself fails.
func (o *Orchestrator) indexNewChunks(ctx context.Context, doc *types.Document, chunks []types.Chunk, vectors map[string][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := o.vectors.EnsureCollection(ctx, doc.UserID, o.cfg.EmbeddingDimensions); err != nil {
		return err
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ChunkID: c.ID,
			Vector:  vectors[c.ID],
			Payload: o.payloadFor(doc, c),
		}
	}

	var vectorsWritten bool
	err := o.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := o.store.InsertChunksTx(ctx, tx, chunks); err != nil {
			return err
		}
		if err := o.vectors.UpsertPoints(ctx, doc.UserID, points); err != nil {
			return err
		}
		vectorsWritten = true
		return nil
	})
	if err != nil && vectorsWritten {
		// Commit failed after the vector write; remove the orphans so
		// search never sees chunks the relational store does not hold.
		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		if derr := o.vectors.DeletePointsByChunkIDs(ctx, doc.UserID, ids); derr != nil {
			log.WithDocument(doc.ID).Error().Err(derr).
				Int("points", len(ids)).
				Msg("orphaned vector cleanup failed")
		}
	}
	return err
}

func (o *Orchestrator) payloadFor(doc *types.Document, c types.Chunk) vectorstore.Payload {
	return vectorstore.Payload{
		DocumentID:   doc.ID,
		TenantID:     doc.UserID,
		ChunkIndex:   c.ChunkIndex,
		Page:         c.Metadata.Page,
		Category:     doc.Category,
		DocumentType: doc.FileType,
	}
}

// setStage validates and applies a lifecycle move into processing,
// publishing the stage event. A persistence failure on a progress row
// logs but never aborts a healthy pipeline.
func (o *Orchestrator) setStage(ctx context.Context, doc *types.Document, stage types.ProgressStage, percent int) error {
	if err := checkTransition(doc.Status, types.DocumentStatusProcessing); err != nil {
		return err
	}
	doc.Status = types.DocumentStatusProcessing
	doc.ProgressStage = stage
	doc.ProgressPercent = percent

	if err := o.store.UpdateProgress(ctx, doc.ID, doc.Status, stage, percent); err != nil {
		log.WithDocument(doc.ID).Warn().Err(err).Msg("progress update failed")
	}
	o.broker.Publish(events.EventDocumentStage, string(stage), map[string]string{
		"document_id": doc.ID,
		"stage":       string(stage),
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, doc *types.Document, cause error) {
	log.WithDocument(doc.ID).Error().
		Err(cause).
		Msg("ingestion failed")
	metrics.DocumentsIngested.WithLabelValues("failed").Inc()
	if err := o.store.MarkFailed(ctx, doc.ID, cause.Error()); err != nil {
		log.WithDocument(doc.ID).Error().Err(err).Msg("failure record write failed")
	}
	o.broker.Publish(events.EventDocumentFailed, cause.Error(), map[string]string{
		"document_id": doc.ID,
		"user_id":     doc.UserID,
	})
}

func (o *Orchestrator) settleBatch(ctx context.Context, batchID string, failed bool) {
	if batchID == "" {
		return
	}
	batch, err := o.store.RecordBatchOutcome(ctx, batchID, failed)
	if err != nil {
		log.WithComponent("ingest").Error().
			Err(err).
			Str("batch_id", batchID).
			Msg("batch counter update failed")
		return
	}
	if batch.Status != types.BatchStatusProcessing {
		o.broker.Publish(events.EventBatchCompleted, string(batch.Status), map[string]string{
			"batch_id": batch.ID,
			"status":   string(batch.Status),
		})
	}
}

// Delete removes a document everywhere: vector points, rows (chunks
// and versions cascade), and stored files.
func (o *Orchestrator) Delete(ctx context.Context, userID, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.UserID != userID {
		return errdefs.E(errdefs.KindForbidden, "document %s belongs to another user", documentID)
	}

	versions, err := o.store.ListVersions(ctx, documentID)
	if err != nil {
		return err
	}

	if err := o.vectors.DeletePointsByDocument(ctx, userID, documentID); err != nil {
		return err
	}
	if err := o.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	for _, v := range versions {
		if err := os.Remove(v.FilePath); err != nil && !os.IsNotExist(err) {
			log.WithDocument(documentID).Warn().Err(err).Msg("version file removal failed")
		}
	}
	if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
		log.WithDocument(documentID).Warn().Err(err).Msg("stored file removal failed")
	}

	o.broker.Publish(events.EventDocumentDeleted, "document deleted", map[string]string{
		"document_id": documentID,
		"user_id":     userID,
	})
	return nil
}

// UploadBatch admits every file before creating anything: one rejection
// fails the whole batch. Admitted documents then process independently
// while the batch row tracks their outcomes.
func (o *Orchestrator) UploadBatch(ctx context.Context, userID string, reqs []*UploadRequest) (*types.Batch, []*types.Document, error) {
	if len(reqs) == 0 {
		return nil, nil, errdefs.E(errdefs.KindUnsupportedType, "empty batch")
	}

	space, err := o.store.EnsureSpace(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	seen := map[string]bool{}
	for _, req := range reqs {
		if err := o.admit(ctx, space, req); err != nil {
			return nil, nil, err
		}
		name := CanonicalFileName(req.FileName)
		if seen[name] {
			return nil, nil, errdefs.E(errdefs.KindConflict, "batch contains %q twice", name)
		}
		seen[name] = true
	}

	count, err := o.store.CountDocuments(ctx, space.ID)
	if err != nil {
		return nil, nil, err
	}
	if count+len(reqs) > o.cfg.MaxDocumentsPerUser {
		return nil, nil, errdefs.E(errdefs.KindQuotaExceeded,
			"batch of %d would exceed the document cap (%d of %d used)",
			len(reqs), count, o.cfg.MaxDocumentsPerUser)
	}

	batch := &types.Batch{
		ID:     uuid.NewString(),
		UserID: userID,
		Total:  len(reqs),
		Status: types.BatchStatusProcessing,
	}

	// Admission passed for every file; a late creation failure counts
	// as a failed slot rather than unwinding the batch.
	var docs []*types.Document
	var lateFailures int
	for _, req := range reqs {
		doc, err := o.createDocument(ctx, space, req)
		if err != nil {
			lateFailures++
			log.WithTenant(userID).Error().
				Err(err).
				Str("file", req.FileName).
				Msg("batch document creation failed")
			continue
		}
		docs = append(docs, doc)
		batch.DocumentIDs = append(batch.DocumentIDs, doc.ID)
	}

	if err := o.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, err
	}
	for i := 0; i < lateFailures; i++ {
		o.settleBatch(ctx, batch.ID, true)
	}
	// Jobs start only after the batch row exists, so outcomes always
	// find their counters.
	for _, doc := range docs {
		o.queueProcess(doc, batch.ID)
	}

	return batch, docs, nil
}
