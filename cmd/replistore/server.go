package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/replistore/pkg/attachment"
	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/delta"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/merge"
	"github.com/astromechza/replistore/pkg/replication"
	"github.com/astromechza/replistore/pkg/sizeguard"
	"github.com/astromechza/replistore/pkg/store"
)

const maxBodyBytes = 16 << 20

type server struct {
	store       *store.Store
	attachments *attachment.Store
	fetcher     *attachment.Fetcher
	logger      *slog.Logger
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/documents").HandlerFunc(s.listDocuments)
	r.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodPut).Path("/documents/{id}").HandlerFunc(s.putDocument)
	r.Methods(http.MethodPatch).Path("/documents/{id}").HandlerFunc(s.patchDocument)
	r.Methods(http.MethodDelete).Path("/documents/{id}").HandlerFunc(s.deleteDocument)
	r.Methods(http.MethodGet).Path("/documents/{id}/delta").HandlerFunc(s.getDelta)
	r.Methods(http.MethodPost).Path("/documents/{id}/delta").HandlerFunc(s.postDelta)
	r.Methods(http.MethodPost).Path("/attachments").HandlerFunc(s.createAttachment)
	r.Methods(http.MethodPost).Path("/attachments/fetch").HandlerFunc(s.fetchAttachment)
	r.Methods(http.MethodGet).Path("/attachments/{token}").HandlerFunc(s.getAttachment)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	r.Methods(http.MethodGet).Path("/sync").Handler(replication.Handler(s.store, s.logger))
	return r
}

func documentID(request *http.Request) (document.ID, error) {
	return parseID(mux.Vars(request)["id"])
}

func (s *server) writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		s.logger.Error("failed to write", "err", err)
	}
}

func (s *server) writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, document.ErrDocumentNotFound), errors.Is(err, document.ErrFieldNotFound),
		errors.Is(err, attachment.ErrNotFound), errors.Is(err, attachment.ErrUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, document.ErrDeleted), errors.Is(err, attachment.ErrDeleted):
		status = http.StatusGone
	case errors.Is(err, document.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, sizeguard.ErrDocumentTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, attachment.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, document.ErrImmutableID), errors.Is(err, document.ErrInvalidPath),
		errors.Is(err, document.ErrInvalidID), errors.Is(err, crdt.ErrTypeMismatch),
		errors.Is(err, crdt.ErrUnsupportedValue), errors.Is(err, merge.ErrInvalidDelta),
		errors.Is(err, delta.ErrMalformed):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(writer, status, map[string]string{"error": err.Error()})
}

func decodeBody(request *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(request.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", delta.ErrMalformed, err)
	}
	return nil
}

func (s *server) listDocuments(writer http.ResponseWriter, request *http.Request) {
	ids := s.store.IDs()
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Value())
	}
	s.writeJSON(writer, http.StatusOK, out)
}

func (s *server) getDocument(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	doc, err := s.store.Get(id)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, doc.Value())
}

// putDocument upserts the posted field tree.
func (s *server) putDocument(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	var fields map[string]any
	if err := decodeBody(request, &fields); err != nil {
		s.writeError(writer, err)
		return
	}
	if _, err := s.store.Insert(request.Context(), id, fields, store.InsertOptions{OnConflict: store.Merge}); err != nil {
		s.writeError(writer, err)
		return
	}
	s.getDocument(writer, request)
}

// patchDocument applies a list of field operations as one commit. If any op
// fails the document is left as it was.
func (s *server) patchDocument(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	var ops []store.Op
	if err := decodeBody(request, &ops); err != nil {
		s.writeError(writer, err)
		return
	}
	if err := s.store.Apply(request.Context(), id, ops...); err != nil {
		s.writeError(writer, err)
		return
	}
	s.getDocument(writer, request)
}

func (s *server) deleteDocument(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	if err := s.store.Delete(request.Context(), id); err != nil {
		s.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// getDelta returns the full replicated state of a document as tuples.
func (s *server) getDelta(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	doc, err := s.store.Get(id)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, delta.FromDocument(doc).Tuples())
}

// postDelta merges tuples produced by another replica.
func (s *server) postDelta(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	var tuples []delta.Tuple
	if err := decodeBody(request, &tuples); err != nil {
		s.writeError(writer, err)
		return
	}
	d, err := delta.FromTuples(tuples)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	if d.ID.Key() != id.Key() {
		s.writeError(writer, fmt.Errorf("%w: delta is for %s", delta.ErrMalformed, d.ID))
		return
	}
	changed, err := s.store.Merge(request.Context(), d)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]bool{"changed": changed})
}

// createAttachment stores the request body. Query parameters become the
// token metadata.
func (s *server) createAttachment(writer http.ResponseWriter, request *http.Request) {
	data, err := io.ReadAll(io.LimitReader(request.Body, maxBodyBytes))
	if err != nil {
		s.writeError(writer, err)
		return
	}
	metadata := map[string]string{}
	for k, v := range request.URL.Query() {
		metadata[k] = v[0]
	}
	tok, err := s.attachments.Create(data, metadata)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusCreated, tok)
}

// getAttachment serves resident bytes only, so peers fetching from each
// other can never loop.
func (s *server) getAttachment(writer http.ResponseWriter, request *http.Request) {
	data, err := s.attachments.Get(mux.Vars(request)["token"])
	if err != nil {
		s.writeError(writer, err)
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	_, _ = writer.Write(data)
}

// fetchAttachment fetches the first available of the posted tokens from the
// configured peers.
func (s *server) fetchAttachment(writer http.ResponseWriter, request *http.Request) {
	var tokens []attachment.Token
	if err := decodeBody(request, &tokens); err != nil {
		s.writeError(writer, err)
		return
	}
	tok, data, err := attachment.FetchWithFallback(request.Context(), s.fetcher, tokens...)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]any{"token": tok, "data": data})
}

// peerSource fetches attachments from the resident stores of peers.
type peerSource struct {
	client *http.Client
	peers  []string
}

func (p *peerSource) Open(ctx context.Context, tok attachment.Token) (io.ReadCloser, error) {
	var errs []error
	for _, peer := range p.peers {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(peer, "/")+"/attachments/"+url.PathEscape(tok.ID), nil)
		if err != nil {
			return nil, err
		}
		response, err := p.client.Do(request)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch response.StatusCode {
		case http.StatusOK:
			return response.Body, nil
		case http.StatusNotFound:
			_ = response.Body.Close()
		default:
			_ = response.Body.Close()
			errs = append(errs, fmt.Errorf("peer %s returned %d", peer, response.StatusCode))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, attachment.ErrNotFound
}

// syncURL turns a peer's http base url into its websocket sync endpoint.
func syncURL(peer string) (string, error) {
	u, err := url.Parse(peer)
	if err != nil {
		return "", fmt.Errorf("invalid peer %q: %w", peer, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid peer %q: unsupported scheme", peer)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sync"
	return u.String(), nil
}
