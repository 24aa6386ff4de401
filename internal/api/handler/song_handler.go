package handler

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openshaz/openshaz/internal/api/dto"
	"github.com/openshaz/openshaz/internal/dispatch"
	"github.com/openshaz/openshaz/internal/similarity"
)

// UploadSong handles POST /api/v1/songs
// Uploads an audio file to the song bucket and dispatches an extraction
// job. With ?wait=true the request blocks until the worker replies.
func (h *SongHandler) UploadSong(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file field is required"})
		return
	}
	defer file.Close()

	bucketURL, err := h.storeUpload(c, file, header, header.Filename)
	if err != nil {
		h.logger.Error("Failed to upload audio file",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to store audio file"})
		return
	}

	job := dispatch.NewExtractionJob(header.Filename, bucketURL)

	if c.Query("wait") != "true" {
		jobID, err := h.submitter.Submit(c.Request.Context(), dispatch.ExtractionQueue, job)
		if err != nil {
			h.logger.Error("Failed to submit extraction job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to submit extraction job"})
			return
		}

		c.JSON(http.StatusAccepted, dto.UploadSongResponse{
			JobID:     jobID,
			MusicName: header.Filename,
			BucketURL: bucketURL,
			Status:    "queued",
		})
		return
	}

	result, err := h.caller.Call(c.Request.Context(), dispatch.ExtractionQueue, job, h.rpcTimeout)
	if err != nil {
		h.respondRPCError(c, "extraction", err)
		return
	}

	c.JSON(http.StatusOK, dto.ExtractionResponse{
		JobID:     result.JobID,
		MusicName: result.MusicName,
		BucketURL: result.BucketURL,
		Status:    result.Status,
		Features:  result.Features,
	})
}

// FindSimilarSongs handles POST /api/v1/songs/similar
// Uploads a query song and waits for the worker to rank the catalogue
// against it
func (h *SongHandler) FindSimilarSongs(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file field is required"})
		return
	}
	defer file.Close()

	raw := c.Query("top_k")
	if raw == "" {
		raw = c.PostForm("top_k")
	}

	topK := h.defaultTopK
	if raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "top_k must be a positive integer"})
			return
		}
		topK = parsed
	}

	// Query songs live under their own prefix so they never pollute the
	// opensource catalogue listing
	bucketURL, err := h.storeUpload(c, file, header, "queries/"+header.Filename)
	if err != nil {
		h.logger.Error("Failed to upload query song",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to store audio file"})
		return
	}

	job := dispatch.NewSimilarityJob(header.Filename, bucketURL, topK)

	result, err := h.caller.Call(c.Request.Context(), dispatch.SimilarityQueue, job, h.rpcTimeout)
	if err != nil {
		h.respondRPCError(c, "similarity", err)
		return
	}

	similar := result.Similar
	if similar == nil {
		similar = []similarity.Match{}
	}

	c.JSON(http.StatusOK, dto.SimilarityResponse{
		JobID:     result.JobID,
		QuerySong: result.QuerySong,
		BucketURL: result.BucketURL,
		Status:    result.Status,
		Similar:   similar,
	})
}

func (h *SongHandler) storeUpload(c *gin.Context, file multipart.File, header *multipart.FileHeader, objectName string) (string, error) {
	return h.uploader.Upload(c.Request.Context(), file, header.Size, objectName, h.bucket)
}

func (h *SongHandler) respondRPCError(c *gin.Context, kind string, err error) {
	if errors.Is(err, dispatch.ErrRPCTimeout) {
		h.logger.Error("Job timed out",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusGatewayTimeout, dto.ErrorResponse{Error: "Job did not complete in time"})
		return
	}

	h.logger.Error("Job dispatch failed",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process job"})
}
