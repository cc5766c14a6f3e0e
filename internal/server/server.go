package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavel-fokin/file-bin/internal/files"
	"github.com/pavel-fokin/file-bin/internal/fs"
	"github.com/pavel-fokin/file-bin/internal/sqlite"
)

type Config struct {
	Addr        string `env:"FILE_BIN_ADDR" envDefault:":8080"`
	DataDir     string `env:"FILE_BIN_DATA_DIR,required"`
	DBPath      string `env:"FILE_BIN_DB_PATH,required"`
	MaxBodySize int64  `env:"FILE_BIN_MAX_BODY" envDefault:"6291456"`
}

func New(cfg *Config) *http.Server {
	// Initialize structured logger with JSON handler
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize storage and repository
	storage, err := fs.NewStorage(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to initialize blob storage", "error", err)
		panic(fmt.Sprintf("Failed to initialize blob storage: %v", err))
	}
	repo, err := sqlite.NewRepository(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize repository", "error", err)
		panic(fmt.Sprintf("Failed to initialize repository: %v", err))
	}

	// Initialize file service
	fileService := files.NewService(storage, repo)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/files", uploadFile(cfg, fileService))
	mux.HandleFunc("GET /v1/files", listFiles(fileService))
	mux.HandleFunc("GET /v1/files/{id}", getFile(fileService))
	mux.HandleFunc("GET /v1/files/{id}/content", getContent(fileService))
	mux.HandleFunc("GET /v1/files/{id}/download", downloadFile(fileService))
	mux.HandleFunc("POST /v1/files/{id}/bin", moveToBin(fileService))
	mux.HandleFunc("POST /v1/files/{id}/restore", restoreFile(fileService))
	mux.HandleFunc("DELETE /v1/files/{id}", permanentDelete(fileService))
	mux.HandleFunc("DELETE /v1/files/{id}/purge", purgeFile(fileService))
	mux.HandleFunc("POST /v1/files/{id}/share", shareFile(fileService))
	mux.HandleFunc("GET /v1/bin", listBin(fileService))
	mux.HandleFunc("GET /v1/shared", listShared(fileService))
	mux.HandleFunc("GET /v1/users", listUsers(fileService))

	// Wrap the handler with logging, metrics and body-limit middleware
	handler := loggingMiddleware(metricsMiddleware(limitBody(mux, cfg.MaxBodySize)))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Machine-readable error codes carried in the error envelope.
const (
	codeValidationError = "VALIDATION_ERROR"
	codeUnsupportedType = "UNSUPPORTED_TYPE"
	codeFileTooLarge    = "FILE_TOO_LARGE"
	codeNotFound        = "NOT_FOUND"
	codeInvalidState    = "INVALID_STATE"
	codeStorageFailure  = "STORAGE_FAILURE"
	codeInternalError   = "INTERNAL_ERROR"
)

// writeError writes the error envelope: {"error": {"code": ..., "message": ...}}.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeServiceError maps a domain error to its status and error code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, codeUnsupportedType, err.Error())
	case errors.Is(err, files.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, err.Error())
	case errors.Is(err, files.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, files.ErrInvalidState):
		writeError(w, http.StatusConflict, codeInvalidState, err.Error())
	case errors.Is(err, files.ErrStorageFailure), errors.Is(err, files.ErrAlreadyExists):
		writeError(w, http.StatusInternalServerError, codeStorageFailure, "storage failure")
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "an unexpected error occurred")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeFileList encodes a listing, never as JSON null.
func writeFileList(w http.ResponseWriter, list []*files.File) {
	if list == nil {
		list = []*files.File{}
	}
	writeJSON(w, http.StatusOK, list)
}

func uploadFile(cfg *Config, fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Parse multipart form
		if err := r.ParseMultipartForm(cfg.MaxBodySize); err != nil {
			if isBodyTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, codeValidationError, "failed to parse multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidationError, "no file provided")
			return
		}
		defer file.Close()

		owner := r.FormValue("owner")
		if owner == "" {
			writeError(w, http.StatusBadRequest, codeValidationError, "owner is required")
			return
		}

		uploadReq := &files.UploadRequest{
			Name:        header.Filename,
			Title:       r.FormValue("title"),
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Owner:       owner,
			Content:     file,
		}

		result, err := fileService.Upload(uploadReq)
		observeOp("upload", err)
		if err != nil {
			slog.Error("Upload failed", "error", err, "filename", header.Filename, "owner", owner)
			writeServiceError(w, err)
			return
		}

		slog.Info("File uploaded", "file_id", result.ID, "title", result.Title, "owner", owner)
		writeJSON(w, http.StatusCreated, result)
	}
}

func listFiles(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			writeError(w, http.StatusBadRequest, codeValidationError, "owner is required")
			return
		}

		status := files.Status(r.URL.Query().Get("status"))
		switch status {
		case "", files.StatusActive, files.StatusBinned:
		default:
			writeError(w, http.StatusBadRequest, codeValidationError, "status must be active or binned")
			return
		}

		list, err := fileService.List(owner, status)
		observeOp("list", err)
		if err != nil {
			slog.Error("List files failed", "error", err, "owner", owner)
			writeServiceError(w, err)
			return
		}

		writeFileList(w, list)
	}
}

func getFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := fileService.Get(r.PathValue("id"))
		observeOp("get", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, file)
	}
}

func getContent(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		file, content, err := fileService.GetContent(id)
		observeOp("get_content", err)
		if err != nil {
			slog.Error("Get content failed", "error", err, "file_id", id)
			writeServiceError(w, err)
			return
		}
		defer content.Close()

		w.Header().Set("Content-Type", file.Type.MimeType())
		w.Header().Set("Content-Length", fmt.Sprintf("%d", file.Size))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, content)
	}
}

func downloadFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		file, content, err := fileService.Download(id)
		observeOp("download", err)
		if err != nil {
			slog.Error("Download failed", "error", err, "file_id", id)
			writeServiceError(w, err)
			return
		}
		defer content.Close()

		w.Header().Set("Content-Type", file.Type.MimeType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename()))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", file.Size))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, content)
	}
}

func moveToBin(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		slog.Info("Moving file to bin", "file_id", id)

		file, err := fileService.MoveToBin(id)
		observeOp("move_to_bin", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, file)
	}
}

func restoreFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		slog.Info("Restoring file", "file_id", id)

		file, err := fileService.Restore(id)
		observeOp("restore", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, file)
	}
}

func permanentDelete(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		slog.Info("Permanently deleting file", "file_id", id)

		err := fileService.PermanentDelete(id)
		observeOp("permanent_delete", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func purgeFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		slog.Info("Purging file record", "file_id", id)

		err := fileService.Purge(id)
		observeOp("purge", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func shareFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var req struct {
			Grantees []string `json:"grantees"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeValidationError, "invalid share request body")
			return
		}
		if len(req.Grantees) == 0 {
			writeError(w, http.StatusBadRequest, codeValidationError, "grantees is required")
			return
		}

		err := fileService.Share(id, req.Grantees)
		observeOp("share", err)
		if err != nil {
			slog.Error("Share failed", "error", err, "file_id", id)
			writeServiceError(w, err)
			return
		}

		slog.Info("File shared", "file_id", id, "grantees", req.Grantees)
		w.WriteHeader(http.StatusNoContent)
	}
}

func listBin(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			writeError(w, http.StatusBadRequest, codeValidationError, "owner is required")
			return
		}

		list, err := fileService.ListBin(owner)
		observeOp("list_bin", err)
		if err != nil {
			slog.Error("List bin failed", "error", err, "owner", owner)
			writeServiceError(w, err)
			return
		}

		writeFileList(w, list)
	}
}

func listShared(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			writeError(w, http.StatusBadRequest, codeValidationError, "user is required")
			return
		}

		list, err := fileService.ListSharedWith(user)
		observeOp("list_shared", err)
		if err != nil {
			slog.Error("List shared failed", "error", err, "user", user)
			writeServiceError(w, err)
			return
		}

		writeFileList(w, list)
	}
}

func listUsers(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := fileService.ListUsers()
		observeOp("list_users", err)
		if err != nil {
			slog.Error("List users failed", "error", err)
			writeServiceError(w, err)
			return
		}

		if users == nil {
			users = []string{}
		}
		writeJSON(w, http.StatusOK, users)
	}
}

// limitBody caps the request body size; oversized bodies surface as a
// read error in the handler.
func limitBody(next http.Handler, maxSize int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
		next.ServeHTTP(w, r)
	})
}

// isBodyTooLarge reports whether err comes from exceeding the
// MaxBytesReader limit.
func isBodyTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr) || err.Error() == "http: request body too large"
}

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Process the request
		next.ServeHTTP(wrapped, r)

		// Log the request with structured data
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
