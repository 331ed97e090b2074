package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/exp/slog"
)

var (
	ErrMissingToken        = errors.New("token is missing")
	ErrMalformedAuthHeader = errors.New("invalid token format")
	ErrMissingCredentials  = errors.New("username and password are required")
	ErrEmptyUpdate         = errors.New("nothing to update: provide bio or paragraph")
	ErrUploadTooLarge      = errors.New("upload is too large")
	ErrInvalidBody         = errors.New("invalid request body")
)

// ImageRepository is the row store holding image records.
type ImageRepository interface {
	CreateImage(ctx context.Context, img ImageRecord) (string, error)
	ListImages(ctx context.Context, location string) ([]ImageRecord, error)
	GetImageByID(ctx context.Context, id string) (ImageRecord, error)
	UpdateImage(ctx context.Context, id string, upd ImageUpdate) error
	DeleteImageByID(ctx context.Context, id string) error
}

type AdminStore interface {
	FindAdmin(ctx context.Context, username, password string) (AdminCredential, error)
}

type APIServer struct {
	images        ImageRepository
	admins        AdminStore
	store         ObjectStore
	tokens        *TokenService
	uploader      *Uploader
	metrics       *Metrics
	listenAddr    string
	maxUploadSize int64
}

func NewAPIServer(images ImageRepository, admins AdminStore, store ObjectStore, tokens *TokenService, cfg Config) *APIServer {
	return &APIServer{
		images:        images,
		admins:        admins,
		store:         store,
		tokens:        tokens,
		uploader:      NewUploader(store, cfg.AllowedExtensions),
		metrics:       NewMetrics(),
		listenAddr:    cfg.ListenAddr(),
		maxUploadSize: cfg.MaxUploadSize,
	}
}

type APIFunc func(w http.ResponseWriter, r *http.Request) error

func makeHandler(f APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}

		status := statusFromError(err)
		msg := err.Error()

		if status >= http.StatusInternalServerError {
			slog.Error("Writing an error to response", "error", err, "path", r.URL.Path)
			msg = http.StatusText(status)
		} else {
			slog.Debug("Writing API Status Error to response", "error", err, "status", status)
		}

		if err := writeJSON(w, status, ErrorResponse{Error: msg}); err != nil {
			slog.Error("Failed to write error response", "error", err)
		}
	}
}

type StatusError struct {
	Err    error
	Status int
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}

	return http.StatusText(e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func statusFromError(err error) int {
	var statusError *StatusError
	if errors.As(err, &statusError) && statusError.Status != 0 {
		return statusError.Status
	}

	switch {
	case errors.Is(err, ErrMissingToken),
		errors.Is(err, ErrMalformedAuthHeader),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrNoFileProvided),
		errors.Is(err, ErrInvalidFileType),
		errors.Is(err, ErrEmptyUpdate),
		errors.Is(err, ErrUploadTooLarge),
		errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware)

	r.Handle("/", makeHandler(s.HandleIndex)).Methods(http.MethodGet)
	r.Handle("/api/login", makeHandler(s.HandleLogin)).Methods(http.MethodPost)
	r.Handle("/api/upload", makeHandler(
		s.authMiddleware(s.HandleUpload),
	)).Methods(http.MethodPost)
	r.Handle("/api/images", makeHandler(s.HandleListImages)).Methods(http.MethodGet)
	r.Handle("/api/edit/{id}", makeHandler(
		s.authMiddleware(s.HandleEditImage),
	)).Methods(http.MethodPost)
	r.Handle("/api/delete/{id}", makeHandler(
		s.authMiddleware(s.HandleDeleteImage),
	)).Methods(http.MethodDelete)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = makeHandler(func(w http.ResponseWriter, r *http.Request) error {
		return &StatusError{Status: http.StatusNotFound}
	})
	r.MethodNotAllowedHandler = makeHandler(func(w http.ResponseWriter, r *http.Request) error {
		return &StatusError{Status: http.StatusMethodNotAllowed}
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *APIServer) Run(ctx context.Context) error {
	srv := http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Router(),
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the server", "listen_addr", s.listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down the server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (s *APIServer) HandleIndex(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, MessageResponse{Message: "Server is running"})
}

type HandleLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type HandleLoginResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	var req HandleLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &StatusError{Err: ErrInvalidBody, Status: http.StatusBadRequest}
	}

	if req.Username == "" || req.Password == "" {
		return ErrMissingCredentials
	}

	admin, err := s.admins.FindAdmin(r.Context(), req.Username, req.Password)
	if err != nil {
		return err
	}

	token, err := s.tokens.Issue(Claims{Username: admin.Username})
	if err != nil {
		return err
	}

	slog.Info("Admin logged in", "username", admin.Username)

	return writeJSON(w, http.StatusOK, HandleLoginResponse{Token: token})
}

type HandleUploadResponse struct {
	Message  string      `json:"message"`
	Metadata ImageRecord `json:"metadata"`
}

func (s *APIServer) HandleUpload(claims *Claims, w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		s.metrics.UploadsTotal.WithLabelValues("rejected").Inc()

		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return ErrUploadTooLarge
		}
		return &StatusError{Err: ErrNoFileProvided, Status: http.StatusBadRequest}
	}
	defer r.MultipartForm.RemoveAll()

	formFile, handler, err := r.FormFile("image")
	if err != nil {
		s.metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return ErrNoFileProvided
	}
	defer formFile.Close()

	slog.Debug("Received an image",
		"filename", handler.Filename,
		"size", handler.Size,
		"uploaded_by", claims.Username,
	)

	img, err := s.uploader.Upload(r.Context(), formFile, handler, r.PostForm, claims)
	if err != nil {
		if statusFromError(err) < http.StatusInternalServerError {
			s.metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		} else {
			s.metrics.UploadsTotal.WithLabelValues("failed").Inc()
		}
		return err
	}

	if _, err := s.images.CreateImage(r.Context(), img); err != nil {
		s.metrics.UploadsTotal.WithLabelValues("failed").Inc()
		if rmErr := s.store.Remove(r.Context(), ObjectPathPrefix+img.Filename); rmErr != nil {
			slog.Warn("Failed to remove object after insert error", "filename", img.Filename, "error", rmErr)
			s.metrics.OrphanedObjects.Inc()
		}
		return err
	}

	s.metrics.UploadsTotal.WithLabelValues("stored").Inc()
	slog.Info("Saved an image", "id", img.ID, "filename", img.Filename)

	return writeJSON(w, http.StatusOK, HandleUploadResponse{
		Message:  "File uploaded successfully",
		Metadata: img,
	})
}

func (s *APIServer) HandleListImages(w http.ResponseWriter, r *http.Request) error {
	images, err := s.images.ListImages(r.Context(), r.URL.Query().Get("location"))
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, images)
}

func (s *APIServer) HandleEditImage(claims *Claims, w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]

	var upd ImageUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		return &StatusError{Err: ErrInvalidBody, Status: http.StatusBadRequest}
	}

	if upd.Bio == nil && upd.Paragraph == nil {
		return ErrEmptyUpdate
	}

	if err := s.images.UpdateImage(r.Context(), id, upd); err != nil {
		return err
	}

	slog.Info("Updated an image", "id", id, "by", claims.Username)

	return writeJSON(w, http.StatusOK, MessageResponse{Message: "Image updated successfully"})
}

func (s *APIServer) HandleDeleteImage(claims *Claims, w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]

	if err := s.deleteImage(r.Context(), id); err != nil {
		return err
	}

	slog.Info("Deleted an image", "id", id, "by", claims.Username)

	return writeJSON(w, http.StatusOK, MessageResponse{Message: "Image deleted successfully"})
}

// deleteImage removes the stored object and then the row. A failed object
// removal is logged and does not stop the row deletion.
func (s *APIServer) deleteImage(ctx context.Context, id string) error {
	img, err := s.images.GetImageByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Remove(ctx, ObjectPathPrefix+img.Filename); err != nil {
		slog.Warn("Failed to remove image object, it is now orphaned",
			"id", img.ID,
			"filename", img.Filename,
			"error", err,
		)
		s.metrics.OrphanedObjects.Inc()
	}

	return s.images.DeleteImageByID(ctx, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

type APIAuthFunc func(claims *Claims, w http.ResponseWriter, r *http.Request) error

func (s *APIServer) authMiddleware(f APIAuthFunc) APIFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return ErrMissingToken
		}

		header := strings.Fields(auth)
		if len(header) != 2 || !strings.EqualFold(header[0], "Bearer") {
			return ErrMalformedAuthHeader
		}

		claims, err := s.tokens.Verify(header[1])
		if err != nil {
			return err
		}

		return f(claims, w, r)
	}
}
