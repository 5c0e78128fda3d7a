package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/descoped/linked-data-store-core/internal/coordinator"
	"github.com/descoped/linked-data-store-core/internal/docstore"
	"github.com/descoped/linked-data-store-core/internal/repository"
	"github.com/descoped/linked-data-store-core/internal/saga"
	"github.com/descoped/linked-data-store-core/internal/server/httpx/middlewares"
	"github.com/descoped/linked-data-store-core/internal/txlog"
)

const maxBodyBytes = 8 << 20

// Coordinator is the part of *coordinator.Coordinator the handler uses.
type Coordinator interface {
	Handoff(ctx context.Context, synchronous bool, registry *saga.Registry, def *saga.Definition, in saga.Input, cmds ...saga.Command) (*saga.Future, error)
	Stats() coordinator.Stats
}

// Options tunes the request handling.
type Options struct {
	// SyncDefault is used when a write request has no sync parameter.
	SyncDefault bool
	// CommandsEnabled honours saga fault-injection commands; otherwise the
	// saga parameter is ignored.
	CommandsEnabled bool
	// DefaultTopic is the transaction log topic of writes without a source.
	DefaultTopic string
	// HandoffTimeout bounds the wait for a saga log and a permit. Defaults
	// to 10s.
	HandoffTimeout time.Duration
}

// Handler turns managed resource requests into saga executions.
type Handler struct {
	coordinator Coordinator
	sagas       coordinator.Repository
	documents   docstore.Store
	txlog       txlog.Log
	opts        Options
}

// NewHandler returns a handler writing through c and reading from documents
// and log.
func NewHandler(c Coordinator, sagas coordinator.Repository, documents docstore.Store, log txlog.Log, opts Options) *Handler {
	if opts.DefaultTopic == "" {
		opts.DefaultTopic = repository.DefaultTopic
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = 10 * time.Second
	}
	return &Handler{
		coordinator: c,
		sagas:       sagas,
		documents:   documents,
		txlog:       log,
		opts:        opts,
	}
}

// PutResource creates or overwrites a managed resource.
func (h *Handler) PutResource(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	h.write(w, r, http.MethodPut, repository.SagaCreateOrUpdateManagedResource, body)
}

// DeleteResource deletes a managed resource.
func (h *Handler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, http.MethodDelete, repository.SagaDeleteManagedResource, nil)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, method, sagaName string, data json.RawMessage) {
	q := r.URL.Query()

	synchronous := h.opts.SyncDefault
	if v := q.Get("sync"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_sync", err.Error())
			return
		}
		synchronous = b
	}

	version := time.Now().UTC()
	if v := q.Get("timestamp"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timestamp", err.Error())
			return
		}
		version = t.UTC()
	}

	var cmds []saga.Command
	if h.opts.CommandsEnabled {
		parsed, err := saga.ParseCommands(q["saga"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_saga_command", err.Error())
			return
		}
		cmds = parsed
	}

	def, err := h.sagas.Get(sagaName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_not_registered", err.Error())
		return
	}

	in := saga.Input{
		Method:     method,
		Schema:     q.Get("schema"),
		Namespace:  chi.URLParam(r, "namespace"),
		Entity:     chi.URLParam(r, "entity"),
		ResourceID: chi.URLParam(r, "id"),
		Version:    version,
		Source:     q.Get("source"),
		SourceID:   q.Get("sourceId"),
		Data:       data,
	}

	ctx := r.Context()
	slog.InfoContext(ctx, "starting saga",
		"request_id", middlewares.RequestIDFromContext(ctx),
		"saga", sagaName,
		"position", in.PositionKey(),
		"sync", synchronous)

	// Only the handoff is bounded; the execution outlives the request.
	handoffCtx, cancel := context.WithTimeout(ctx, h.opts.HandoffTimeout)
	defer cancel()
	future, err := h.coordinator.Handoff(handoffCtx, synchronous, h.sagas.Registry(), def, in, cmds...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrInterrupted) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "saga_not_started", err.Error())
		return
	}

	// Waiting is bounded by the client connection.
	res, err := future.Wait(r.Context())
	if err != nil {
		slog.WarnContext(ctx, "saga failed", "saga", sagaName, "position", in.PositionKey(), "error", err)
		writeError(w, http.StatusInternalServerError, "saga_failed", err.Error())
		return
	}

	status := http.StatusOK
	if !synchronous {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SagaExecutionResponse{ExecutionID: res.ExecutionID.String()})
}

// GetResource returns the newest version of a managed resource.
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	ns, entity, id := chi.URLParam(r, "namespace"), chi.URLParam(r, "entity"), chi.URLParam(r, "id")
	doc, err := h.documents.Get(r.Context(), ns, entity, id)
	if errors.Is(err, docstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "resource_not_found", fmt.Sprintf("%s/%s/%s", ns, entity, id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DocumentResponse{
		Namespace: doc.Key.Namespace,
		Entity:    doc.Key.Entity,
		ID:        doc.Key.ID,
		Version:   doc.Key.Version.Format(time.RFC3339Nano),
		Data:      doc.Data,
	})
}

// GetSource returns the source id of the newest transaction log record of a
// source.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	rec, ok, err := h.txlog.Last(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "txlog_error", err.Error())
		return
	}
	var resp SourceResponse
	if ok && rec.Meta.SourceID != "" {
		id := rec.Meta.SourceID
		resp.LastSourceID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

// SagaHealth reports the coordinator counters.
func (h *Handler) SagaHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
