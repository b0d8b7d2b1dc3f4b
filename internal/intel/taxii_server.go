package intel

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"webcontent/reputation-service/internal/events"
	"webcontent/reputation-service/internal/httputil"
)

const (
	taxiiMediaType   = "application/taxii+json;version=2.1"
	defaultPageLimit = 1000

	headerAddedFirst = "X-TAXII-Date-Added-First"
	headerAddedLast  = "X-TAXII-Date-Added-Last"
)

// TAXIIServer publishes the service's indicators as a read-only TAXII 2.1
// collection. It receives transitions as an events.Publisher.
type TAXIIServer struct {
	store      *Store
	collection Collection
}

func NewTAXIIServer(store *Store, collectionID, title string) *TAXIIServer {
	return &TAXIIServer{
		store: store,
		collection: Collection{
			ID:          collectionID,
			Title:       title,
			Description: "Blocked and unblocked web content",
			CanRead:     true,
			CanWrite:    false,
			MediaTypes:  []string{taxiiMediaType},
		},
	}
}

var _ events.Publisher = (*TAXIIServer)(nil)

// Publish adds the transition's indicator to the collection. Transitions that
// did not touch an indicator are ignored.
func (s *TAXIIServer) Publish(_ context.Context, t events.Transition) error {
	if t.Indicator == nil {
		return nil
	}
	ind, err := FromKB(t.Indicator, t.At)
	if err != nil {
		return err
	}
	s.store.Put(ind)
	return nil
}

// Routes mounts the TAXII endpoints under /taxii2.
func (s *TAXIIServer) Routes(r *mux.Router) {
	r.HandleFunc("/taxii2/collections/", s.HandleCollections).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/collections/{id}/", s.HandleCollection).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/collections/{id}/objects/", s.HandleObjects).Methods(http.MethodGet)
}

func (s *TAXIIServer) HandleCollections(w http.ResponseWriter, r *http.Request) {
	writeTAXII(w, http.StatusOK, struct {
		Collections []Collection `json:"collections"`
	}{Collections: []Collection{s.collection}})
}

func (s *TAXIIServer) HandleCollection(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["id"] != s.collection.ID {
		httputil.WriteError(w, r, http.StatusNotFound, "collection not found")
		return
	}
	writeTAXII(w, http.StatusOK, s.collection)
}

// HandleObjects serves GET /taxii2/collections/{id}/objects/ with the
// added_after and limit filters.
func (s *TAXIIServer) HandleObjects(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["id"] != s.collection.ID {
		httputil.WriteError(w, r, http.StatusNotFound, "collection not found")
		return
	}

	q := r.URL.Query()
	var addedAfter time.Time
	if v := q.Get("added_after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			httputil.WriteError(w, r, http.StatusBadRequest, "invalid added_after")
			return
		}
		addedAfter = t
	}
	limit := defaultPageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, defaultPageLimit)
	}

	page := s.store.Since(addedAfter, limit)
	bundle := NewBundle(page.Indicators)
	if !page.First.IsZero() {
		w.Header().Set(headerAddedFirst, page.First.Format(time.RFC3339Nano))
		w.Header().Set(headerAddedLast, page.Last.Format(time.RFC3339Nano))
	}
	writeTAXII(w, http.StatusOK, envelope{More: page.More, Objects: bundle.Objects})
}

type envelope struct {
	More    bool            `json:"more"`
	Objects []STIXIndicator `json:"objects"`
}

func writeTAXII(w http.ResponseWriter, code int, v any) {
	rec := &mediaTypeWriter{ResponseWriter: w}
	httputil.WriteJSON(rec, code, v)
}

// mediaTypeWriter swaps the JSON content type for the TAXII one.
type mediaTypeWriter struct {
	http.ResponseWriter
}

func (m *mediaTypeWriter) WriteHeader(code int) {
	if code < 300 {
		m.Header().Set("Content-Type", taxiiMediaType)
	}
	m.ResponseWriter.WriteHeader(code)
}
