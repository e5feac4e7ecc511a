package httpapi

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ingest"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/blob"
)

const pollIntervalMS = 2000

func (a *API) handleSDKAnalyze(w http.ResponseWriter, r *http.Request) {
	a.handleAnalyze(w, r, "sdk")
}

func (a *API) handleDashboardAnalyze(w http.ResponseWriter, r *http.Request) {
	a.handleAnalyze(w, r, "dashboard")
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request, source string) {
	user := requestUser(r)

	file, header, err := a.formFile(w, r)
	if err != nil {
		return
	}
	defer file.Close()

	res, err := a.store.Ingest.Ingest(r.Context(), ingest.Upload{
		OwnerID:  user.ID,
		Tier:     userTier(user),
		APIKeyID: apiKeyID(r),
		FileName: header.Filename,
		Body:     file,
		Source:   source,
		Metadata: uploadMetadata(r),
	})
	if err != nil {
		a.respondIngestError(w, err)
		return
	}

	if res.Cached {
		respondJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"cached":         true,
			"creditsCharged": 0,
			"job":            res.Job,
		})
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"jobId":   res.Job.ID,
		"polling": map[string]any{
			"url":        fmt.Sprintf("/sdk/results/%s", res.Job.ID),
			"intervalMs": pollIntervalMS,
		},
		"estimatedWaitMs": res.EstimatedWaitMS,
	})
}

func (a *API) handleSDKBatch(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "malformed multipart request")
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		respondError(w, http.StatusBadRequest, codeMissingFile, "no files provided")
		return
	}

	headers := r.MultipartForm.File["files"]
	uploads := make([]ingest.Upload, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, codeBadRequest, "unreadable file in batch")
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, ingest.Upload{
			OwnerID:  user.ID,
			Tier:     userTier(user),
			APIKeyID: apiKeyID(r),
			FileName: h.Filename,
			Body:     f,
			Source:   "sdk",
			Metadata: uploadMetadata(r),
		})
	}

	items, err := a.store.Ingest.IngestBatch(r.Context(), uploads)
	if err != nil {
		a.respondIngestError(w, err)
		return
	}

	results := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{"fileName": item.FileName}
		switch {
		case item.Err != nil:
			entry["success"] = false
			entry["message"] = item.Err.Error()
		case item.Result.Cached:
			entry["success"] = true
			entry["cached"] = true
			entry["job"] = item.Result.Job
		default:
			entry["success"] = true
			entry["jobId"] = item.Result.Job.ID
		}
		results = append(results, entry)
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "results": results})
}

func (a *API) handleResults(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusNotFound, codeJobNotFound, "job not found")
		return
	}

	job, err := a.store.Jobs.Get(r.Context(), jobID)
	if err != nil || job.OwnerID != user.ID {
		// Jobs owned by others are indistinguishable from missing ones.
		respondError(w, http.StatusNotFound, codeJobNotFound, "job not found")
		return
	}

	payload := map[string]any{
		"success":  true,
		"jobId":    job.ID,
		"status":   job.Status,
		"progress": job.Progress,
	}
	switch job.Status {
	case models.JobCompleted:
		if job.Results != nil {
			payload["results"] = job.Results.Data()
		}
		payload["creditsCharged"] = job.CreditsCharged
	case models.JobFailed:
		payload["error"] = models.JobError{Message: job.ErrorMessage, Code: job.ErrorCode}
	}

	respondJSON(w, http.StatusOK, payload)
}

func (a *API) handleCheckHash(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	job, err := a.store.Ingest.CheckHash(r.Context(), user.ID, r.URL.Query().Get("hash"))
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidHash) {
			respondError(w, http.StatusBadRequest, codeInvalidHash, "hash must be 64 hex characters")
			return
		}
		respondError(w, http.StatusInternalServerError, codeInternal, "cache probe failed")
		return
	}

	payload := map[string]any{"success": true, "cached": job != nil}
	if job != nil {
		payload["job"] = job
	}
	respondJSON(w, http.StatusOK, payload)
}

func (a *API) handleCredits(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	bal, err := a.store.Ledger.BalanceOf(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "balance lookup failed")
		return
	}

	percent := 0.0
	if bal.Total > 0 {
		percent = float64(bal.Used) / float64(bal.Total) * 100
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"credits": map[string]any{
			"total":     bal.Total,
			"used":      bal.Used,
			"remaining": bal.Remaining,
			"percent":   percent,
		},
		"tier": user.Tier,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	result, err := a.store.Jobs.ListByOwner(r.Context(), user.ID, page, pageSize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "history lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    result.Jobs,
		"pagination": map[string]any{
			"page":       result.Page,
			"pageSize":   result.PageSize,
			"totalItems": result.Total,
			"totalPages": result.TotalPages,
		},
	})
}

// formFile extracts the single "file" part, translating failures into the
// platform error envelope.
func (a *API) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.BlobMaxSize+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, "file exceeds maximum size")
			return nil, nil, err
		}
		respondError(w, http.StatusBadRequest, codeMissingFile, "file field is required")
		return nil, nil, err
	}
	return file, header, nil
}

// respondIngestError maps ingestion failures to stable status codes.
func (a *API) respondIngestError(w http.ResponseWriter, err error) {
	var insufficient *ingest.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"success":   false,
			"message":   "insufficient credits",
			"code":      codeInsufficientCredits,
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"deficit":   insufficient.Deficit,
		})
	case errors.Is(err, ingest.ErrMissingFile):
		respondError(w, http.StatusBadRequest, codeMissingFile, "file field is required")
	case errors.Is(err, ingest.ErrTooManyFiles):
		respondError(w, http.StatusBadRequest, codeTooManyFiles, err.Error())
	case errors.Is(err, blob.ErrTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, "file exceeds maximum size")
	case errors.Is(err, queue.ErrQueueUnavailable):
		respondError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "queue unavailable, retry later")
	default:
		a.log.Error().Err(err).Msg("ingestion failed")
		respondError(w, http.StatusInternalServerError, codeInternal, "ingestion failed")
	}
}

func userTier(user *models.User) models.Tier {
	if user.Tier == models.TierOne {
		return models.TierOne
	}
	return models.TierTwo
}

func apiKeyID(r *http.Request) *uuid.UUID {
	if key := requestAPIKey(r); key != nil {
		id := key.ID
		return &id
	}
	return nil
}

// uploadMetadata captures request provenance stored on the job.
func uploadMetadata(r *http.Request) map[string]any {
	meta := map[string]any{
		"source_ip":  r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}
	if sdk := r.Header.Get("X-SDK-Version"); sdk != "" {
		meta["sdk_version"] = sdk
	}
	if ci := r.Header.Get("X-CI-Provider"); ci != "" {
		meta["ci_provider"] = ci
	}
	return meta
}
