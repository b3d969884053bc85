package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/retrieval"
	"github.com/classmind/kbengine/pkg/types"
)

var validMethods = map[types.RetrievalMethod]bool{
	types.MethodSemantic: true,
	types.MethodKeyword:  true,
	types.MethodHybrid:   true,
}

var validRatings = map[types.FeedbackRating]bool{
	types.FeedbackPositive: true,
	types.FeedbackNegative: true,
	types.FeedbackNeutral:  true,
}

func (s *Server) handleRetrievalTest(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var body struct {
		Query          string  `json:"query"`
		Method         string  `json:"method"`
		RerankMode     string  `json:"rerank_mode"`
		TopK           int     `json:"top_k"`
		ScoreThreshold float64 `json:"score_threshold"`
		DocumentID     string  `json:"document_id"`
		Category       string  `json:"category"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Method != "" && !validMethods[types.RetrievalMethod(body.Method)] {
		writeBadRequest(w, "method must be semantic, keyword or hybrid")
		return
	}
	resp, err := s.engine.Search(r.Context(), userID, retrieval.Request{
		Query:          body.Query,
		Method:         types.RetrievalMethod(body.Method),
		RerankMode:     types.RerankMode(body.RerankMode),
		TopK:           body.TopK,
		ScoreThreshold: body.ScoreThreshold,
		DocumentID:     body.DocumentID,
		Category:       body.Category,
		Record:         true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	space, err := s.store.GetSpaceByUser(r.Context(), userID)
	if errdefs.KindOf(err) == errdefs.KindNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"records": []queryRecordView{}})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := s.store.ListQueryRecords(r.Context(), space.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": viewQueryRecords(records)})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var body struct {
		QueryID          string   `json:"query_id"`
		Rating           string   `json:"rating"`
		Score            int      `json:"score"`
		RelevantChunks   []string `json:"relevant_chunks"`
		IrrelevantChunks []string `json:"irrelevant_chunks"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !validRatings[types.FeedbackRating(body.Rating)] {
		writeBadRequest(w, "rating must be positive, negative or neutral")
		return
	}
	if body.Score < 0 || body.Score > 5 {
		writeBadRequest(w, "score must be within [1, 5]")
		return
	}

	record, err := s.store.GetQueryRecord(r.Context(), body.QueryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	space, err := s.store.GetSpaceByUser(r.Context(), userID)
	if err != nil || record.SpaceID != space.ID {
		writeError(w, r, errdefs.E(errdefs.KindForbidden, "query record %s belongs to another user", body.QueryID))
		return
	}

	fb := &types.Feedback{
		ID:               uuid.NewString(),
		QueryID:          body.QueryID,
		Rating:           types.FeedbackRating(body.Rating),
		Score:            body.Score,
		RelevantChunks:   body.RelevantChunks,
		IrrelevantChunks: body.IrrelevantChunks,
	}
	if err := s.store.InsertFeedback(r.Context(), fb); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": fb.ID})
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var body struct {
		Name    string            `json:"name"`
		Queries []types.EvalQuery `json:"queries"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Name == "" || len(body.Queries) == 0 {
		writeBadRequest(w, "name and queries are required")
		return
	}

	space, err := s.store.EnsureSpace(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ds := &types.EvalDataset{
		ID:      uuid.NewString(),
		SpaceID: space.ID,
		Name:    body.Name,
		Queries: body.Queries,
	}
	if err := s.store.CreateEvalDataset(r.Context(), ds); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": ds.ID})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	space, err := s.store.GetSpaceByUser(r.Context(), userID)
	if errdefs.KindOf(err) == errdefs.KindNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"datasets": []datasetView{}})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	datasets, err := s.store.ListEvalDatasets(r.Context(), space.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": viewDatasets(datasets)})
}

func (s *Server) handleEvaluationRun(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var body struct {
		DatasetID string `json:"dataset_id"`
		Method    string `json:"method"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Method != "" && !validMethods[types.RetrievalMethod(body.Method)] {
		writeBadRequest(w, "method must be semantic, keyword or hybrid")
		return
	}
	method := types.RetrievalMethod(body.Method)
	if method == "" {
		method = types.RetrievalMethod(s.cfg.DefaultRetrievalMethod)
	}

	ds, err := s.store.GetEvalDataset(r.Context(), body.DatasetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	space, err := s.store.GetSpaceByUser(r.Context(), userID)
	if err != nil || ds.SpaceID != space.ID {
		writeError(w, r, errdefs.E(errdefs.KindForbidden, "dataset %s belongs to another user", body.DatasetID))
		return
	}

	report, err := s.engine.EvaluateDataset(r.Context(), userID, ds, method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCleaningRule(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var body struct {
		CollapseWhitespace bool `json:"collapse_whitespace"`
		RemoveURLs         bool `json:"remove_urls"`
		RemoveEmails       bool `json:"remove_emails"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	space, err := s.store.EnsureSpace(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rule := &types.CleaningRule{
		CollapseWhitespace: body.CollapseWhitespace,
		RemoveURLs:         body.RemoveURLs,
		RemoveEmails:       body.RemoveEmails,
	}
	if err := s.store.SetCleaningRule(r.Context(), space.ID, rule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCompression(w http.ResponseWriter, r *http.Request) {
	metricsReport, err := s.inspector.Compression(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsReport)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := s.inspector.Inspect(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
