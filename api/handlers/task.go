package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"imageTasks/api/dto"
	"imageTasks/api/middleware"
	"imageTasks/api/service"
	"imageTasks/api/validation"
)

const (
	defaultProcessingType = "grayscale"
	multipartOverhead     = 1 << 20
)

type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
}

type StatusGetter interface {
	GetStatus(ctx context.Context, taskID string) (*service.StatusView, error)
}

type TaskHandler struct {
	submitter   Submitter
	status      StatusGetter
	maxFileSize int64
	logger      *zap.Logger
}

func NewTaskHandler(submitter Submitter, status StatusGetter, maxFileSize int64, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		submitter:   submitter,
		status:      status,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

func (h *TaskHandler) Upload(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.handleError(w, "File too large", "FILE_TOO_LARGE", err, traceID, http.StatusRequestEntityTooLarge)
			return
		}
		h.handleError(w, "Failed to parse form", "INVALID_REQUEST", err, traceID, http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.handleError(w, "Failed to get file", "INVALID_REQUEST", err, traceID, http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		h.handleError(w, "Failed to read file", "INVALID_REQUEST", err, traceID, http.StatusBadRequest)
		return
	}

	fileType, err := validation.ValidateImage(data, h.maxFileSize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, validation.ErrFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.handleError(w, "Invalid file", "INVALID_FILE", err, traceID, status)
		return
	}

	processingType, err := validation.ProcessingType(r.FormValue("processing_type"), defaultProcessingType)
	if err != nil {
		h.handleError(w, "Invalid processing type", "INVALID_REQUEST", err, traceID, http.StatusBadRequest)
		return
	}

	params, err := validation.ParseParameters(r.FormValue("parameters"))
	if err != nil {
		h.handleError(w, "Invalid parameters", "INVALID_REQUEST", err, traceID, http.StatusBadRequest)
		return
	}

	res, err := h.submitter.Submit(r.Context(), service.SubmitRequest{
		Data:           data,
		ContentType:    fileType.ContentType(),
		ProcessingType: processingType,
		Parameters:     params,
	})
	if err != nil {
		var pubErr *service.PublishError
		switch {
		case errors.As(err, &pubErr):
			h.handleError(w, "Failed to queue task "+pubErr.TaskID, "PUBLISH_FAILURE", err, traceID, http.StatusServiceUnavailable)
		case errors.Is(err, service.ErrBlobStore):
			h.handleError(w, "Failed to store image", "BLOB_STORE_FAILURE", err, traceID, http.StatusBadGateway)
		default:
			h.handleError(w, "Failed to create task", "INTERNAL_ERROR", err, traceID, http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("File uploaded",
		zap.String("trace_id", traceID),
		zap.String("task_id", res.TaskID),
		zap.String("filename", header.Filename),
		zap.String("processing_type", processingType),
	)

	h.respondJSON(w, http.StatusAccepted, dto.SubmitResponse{
		TaskID:  res.TaskID,
		Status:  string(res.Status),
		Message: "Task submitted for processing",
	})
}

func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		h.handleError(w, "Task ID is required", "INVALID_REQUEST", nil, traceID, http.StatusBadRequest)
		return
	}

	view, err := h.status.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			h.handleError(w, "Task not found", "TASK_NOT_FOUND", err, traceID, http.StatusNotFound)
			return
		}
		h.handleError(w, "Failed to get task status", "INTERNAL_ERROR", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, dto.StatusResponse{
		TaskID:            view.TaskID,
		Status:            string(view.Status),
		CreatedAt:         view.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         view.UpdatedAt.UTC().Format(time.RFC3339),
		ProcessedImageURL: view.ProcessedURL,
		Error:             view.Error,
	})
}

func (h *TaskHandler) handleError(w http.ResponseWriter, message, code string, err error, traceID string, status int) {
	log := h.logger.Warn
	if status >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log(message,
		zap.String("trace_id", traceID),
		zap.String("code", code),
		zap.Error(err),
	)

	respondJSON(w, status, dto.ErrorResponse{
		Error:   message,
		Code:    code,
		TraceID: traceID,
	})
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, data)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
