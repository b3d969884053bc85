package ingest

import (
	"context"
	"os"

	"github.com/google/uuid"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/extract"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/types"
	"github.com/classmind/kbengine/pkg/vectorstore"
)

// snapshot describes the prior content preserved before a reindex. A
// failed copy leaves ok false and no version row is written.
type snapshot struct {
	number     int
	path       string
	hash       string
	chunkCount int
	ok         bool
}

// Update replaces a document's content and queues a reindex. Identical
// bytes are a no-op and return the document unchanged.
func (o *Orchestrator) Update(ctx context.Context, userID, documentID string, req *UploadRequest) (*types.Document, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, errdefs.E(errdefs.KindForbidden, "document %s belongs to another user", documentID)
	}
	if doc.Status == types.DocumentStatusProcessing {
		return nil, errdefs.E(errdefs.KindConflict, "document %s is still processing", documentID)
	}
	if int64(len(req.Data)) > o.cfg.MaxFileSize {
		return nil, errdefs.E(errdefs.KindFileTooLarge,
			"file is %d bytes, cap is %d", len(req.Data), o.cfg.MaxFileSize)
	}
	if err := extract.ValidateType(req.Data, req.DeclaredMime); err != nil {
		return nil, err
	}

	if contentHash(req.Data) == doc.ContentHash {
		log.WithDocument(doc.ID).Info().Msg("update content identical, skipping reindex")
		return doc, nil
	}

	return o.stageNewContent(ctx, doc, req.Data, extract.NormalizeMime(req.DeclaredMime), types.StageUpdating)
}

// Rollback restores a prior version's content and queues a reindex.
// The pre-rollback content is snapshotted as a new version first, so a
// rollback can itself be rolled back.
func (o *Orchestrator) Rollback(ctx context.Context, userID, documentID string, versionNumber int) (*types.Document, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, errdefs.E(errdefs.KindForbidden, "document %s belongs to another user", documentID)
	}
	if doc.Status == types.DocumentStatusProcessing {
		return nil, errdefs.E(errdefs.KindConflict, "document %s is still processing", documentID)
	}

	v, err := o.store.GetVersion(ctx, documentID, versionNumber)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(v.FilePath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err,
			"snapshot for version %d is missing", versionNumber)
	}

	if contentHash(data) == doc.ContentHash {
		log.WithDocument(doc.ID).Info().
			Int("version", versionNumber).
			Msg("rollback target identical to current content")
		return doc, nil
	}

	return o.stageNewContent(ctx, doc, data, doc.FileType, types.StageRollback)
}

// stageNewContent snapshots the current file, swaps in the new bytes
// and queues the reindex job.
func (o *Orchestrator) stageNewContent(ctx context.Context, doc *types.Document, data []byte, mime string, stage types.ProgressStage) (*types.Document, error) {
	snap := snapshot{
		number:     doc.Version,
		path:       o.files.versionPath(doc.UserID, doc.ID, doc.Version, doc.FileName),
		hash:       doc.ContentHash,
		chunkCount: doc.ChunkCount,
	}
	if err := copyFile(doc.FilePath, snap.path); err != nil {
		log.WithDocument(doc.ID).Warn().Err(err).
			Msg("version snapshot failed, rollback to this version will be unavailable")
	} else {
		snap.ok = true
	}

	if err := writeFile(doc.FilePath, data); err != nil {
		return nil, errdefs.Wrap(errdefs.KindStoreWriteFailed, err, "stage updated content")
	}

	if mime != doc.FileType {
		log.WithDocument(doc.ID).Warn().
			Str("from", doc.FileType).
			Str("to", mime).
			Msg("file type changed, running full reindex")
	}

	docID := doc.ID
	o.queue.Enqueue("reindex:"+docID, func(jctx context.Context) error {
		return o.runReindex(jctx, docID, mime, stage, snap)
	})
	return doc, nil
}

func (o *Orchestrator) runReindex(ctx context.Context, documentID, mime string, stage types.ProgressStage, snap snapshot) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if err := o.reindex(ctx, doc, mime, stage, snap); err != nil {
		o.fail(ctx, doc, err)
		if errdefs.IsRetryable(err) {
			return err
		}
		return nil
	}
	return nil
}

// reindex re-runs the pipeline over the staged content, diffing the
// new chunk set against the stored one so unchanged chunks are never
// re-embedded or re-written to the vector store.
func (o *Orchestrator) reindex(ctx context.Context, doc *types.Document, mime string, stage types.ProgressStage, snap snapshot) error {
	if err := o.setStage(ctx, doc, stage, 10); err != nil {
		return err
	}

	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindExtractionFailed, err, "read staged file")
	}

	fullReindex := mime != doc.FileType
	doc.FileType = mime
	doc.FileSize = int64(len(data))

	text, pages, meta, language, err := o.extractClean(ctx, doc, data)
	if err != nil {
		return err
	}

	o.setStage(ctx, doc, types.StageComparing, 35)
	prior, err := o.store.ListChunksByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}

	next, err := o.chunk(ctx, doc, text, pages, len(prior))
	if err != nil {
		return err
	}

	var summary *types.ChangeSummary
	if fullReindex {
		summary = &types.ChangeSummary{Added: len(next), Deleted: len(prior)}
		err = o.replaceAll(ctx, doc, next)
	} else {
		summary, err = o.applyDiff(ctx, doc, prior, next)
	}
	if err != nil {
		return err
	}

	doc.Version++
	doc.ContentHash = contentHash(data)
	doc.ChunkCount = len(next)
	doc.Language = language
	doc.ExtractedMetadata = meta
	if err := o.store.FinishIndexing(ctx, doc); err != nil {
		return err
	}

	if snap.ok {
		v := &types.DocumentVersion{
			ID:            uuid.NewString(),
			DocumentID:    doc.ID,
			VersionNumber: snap.number,
			FilePath:      snap.path,
			ContentHash:   snap.hash,
			ChunkCount:    snap.chunkCount,
			ChangeSummary: summary,
		}
		if err := o.store.InsertVersion(ctx, v); err != nil {
			log.WithDocument(doc.ID).Warn().Err(err).Msg("version record write failed")
		}
	}

	log.WithDocument(doc.ID).Info().
		Int("added", summary.Added).
		Int("updated", summary.Updated).
		Int("deleted", summary.Deleted).
		Msg("reindex applied")
	o.finishOK(doc, len(next))
	return nil
}

// replaceAll drops every chunk and point and indexes the new set from
// scratch. Used when the file type changed and positions lost meaning.
func (o *Orchestrator) replaceAll(ctx context.Context, doc *types.Document, next []types.Chunk) error {
	o.setStage(ctx, doc, types.StageEmbedding, 55)
	vectors, err := o.embedChunks(ctx, doc.UserID, next, nil)
	if err != nil {
		return err
	}

	if err := o.vectors.DeletePointsByDocument(ctx, doc.UserID, doc.ID); err != nil {
		return err
	}
	if err := o.store.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return err
	}

	o.setStage(ctx, doc, types.StageIndexing, 80)
	return o.indexNewChunks(ctx, doc, next, vectors)
}

// applyDiff reconciles the stored chunk set with the new one. Kept and
// updated chunks retain their ids so the vector points stay addressable;
// deletions drop vectors before rows so search never scores a chunk the
// relational store no longer holds.
func (o *Orchestrator) applyDiff(ctx context.Context, doc *types.Document, prior, next []types.Chunk) (*types.ChangeSummary, error) {
	diff := diffChunks(prior, next)

	priorByIndex := make(map[int]types.Chunk, len(prior))
	for _, c := range prior {
		priorByIndex[c.ChunkIndex] = c
	}
	nextByIndex := make(map[int]*types.Chunk, len(next))
	for i := range next {
		nextByIndex[next[i].ChunkIndex] = &next[i]
	}
	for _, idx := range diff.Kept {
		nextByIndex[idx].ID = priorByIndex[idx].ID
	}
	for _, idx := range diff.Updated {
		nextByIndex[idx].ID = priorByIndex[idx].ID
	}

	if len(diff.Deleted) > 0 {
		ids := make([]string, len(diff.Deleted))
		for i, idx := range diff.Deleted {
			ids[i] = priorByIndex[idx].ID
		}
		if err := o.vectors.DeletePointsByChunkIDs(ctx, doc.UserID, ids); err != nil {
			return nil, err
		}
		if err := o.store.DeleteChunksByIDs(ctx, ids); err != nil {
			return nil, err
		}
	}

	if len(diff.Updated) > 0 {
		o.setStage(ctx, doc, types.StageUpdatingChunks, 55)
		updated := make([]types.Chunk, len(diff.Updated))
		for i, idx := range diff.Updated {
			updated[i] = *nextByIndex[idx]
		}
		vectors, err := o.embedChunks(ctx, doc.UserID, updated, nil)
		if err != nil {
			return nil, err
		}
		if err := o.upsertExisting(ctx, doc, updated, vectors); err != nil {
			return nil, err
		}
	}

	if len(diff.Added) > 0 {
		o.setStage(ctx, doc, types.StageAddingChunks, 75)
		added := make([]types.Chunk, len(diff.Added))
		for i, idx := range diff.Added {
			added[i] = *nextByIndex[idx]
		}
		vectors, err := o.embedChunks(ctx, doc.UserID, added, nil)
		if err != nil {
			return nil, err
		}
		if err := o.indexNewChunks(ctx, doc, added, vectors); err != nil {
			return nil, err
		}
	}

	// Kept chunks keep their text and vector but their offsets can
	// shift when surrounding content moved.
	for _, idx := range diff.Kept {
		if err := o.store.UpdateChunkByIndex(ctx, doc.ID, *nextByIndex[idx]); err != nil {
			return nil, err
		}
	}

	return diff.summary(), nil
}

// upsertExisting rewrites changed chunks in place: the vector point is
// replaced at the same id, then the row follows.
func (o *Orchestrator) upsertExisting(ctx context.Context, doc *types.Document, chunks []types.Chunk, vectors map[string][]float32) error {
	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ChunkID: c.ID,
			Vector:  vectors[c.ID],
			Payload: o.payloadFor(doc, c),
		}
	}
	if err := o.vectors.UpsertPoints(ctx, doc.UserID, points); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := o.store.UpdateChunkByIndex(ctx, doc.ID, c); err != nil {
			return err
		}
	}
	return nil
}
