package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"replica-chaos/internal/cluster"
	"replica-chaos/internal/node"
	"replica-chaos/internal/store"

	"github.com/go-chi/chi/v5"
)

// fakeServer はシミュレーションクラスタの1ノードを REST で公開する
type fakeServer struct {
	handle  *cluster.Handle
	apiKey  string
	created []json.RawMessage
	updates []json.RawMessage
}

func (f *fakeServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(f.auth)

	r.Route("/collections/{name}", func(r chi.Router) {
		r.Get("/", f.info)
		r.Put("/", f.create)
		r.Delete("/", f.drop)
		r.Patch("/", f.update)
		r.Put("/points", f.upsert)
		r.Post("/points", f.get)
		r.Post("/points/delete", f.delete)
		r.Post("/points/scroll", f.scroll)
		r.Get("/cluster", f.clusterInfo)
		r.Post("/cluster", f.clusterOp)
	})
	return r
}

func (f *fakeServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.apiKey != "" && r.Header.Get("api-key") != f.apiKey {
			writeError(w, http.StatusForbidden, "Invalid api-key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok", "time": 0.001})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]string{"error": msg}})
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cluster.ErrCollectionNotFound):
		writeError(w, http.StatusNotFound, "Not found: "+err.Error())
	case errors.Is(err, node.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, "Bad request: "+err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (f *fakeServer) info(w http.ResponseWriter, r *http.Request) {
	status, err := f.handle.CollectionStatus(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, map[string]any{"status": status})
}

func (f *fakeServer) create(w http.ResponseWriter, r *http.Request) {
	var body createCollection
	var raw json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	f.created = append(f.created, raw)
	_ = json.Unmarshal(raw, &body)

	err := f.handle.CreateCollection(r.Context(), chi.URLParam(r, "name"), store.CollectionConfig{
		Dim:               body.Vectors.Size,
		Distance:          body.Vectors.Distance,
		ShardNumber:       body.ShardNumber,
		ReplicationFactor: body.ReplicationFactor,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, true)
}

func (f *fakeServer) drop(w http.ResponseWriter, r *http.Request) {
	if err := f.handle.DeleteCollection(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, true)
}

func (f *fakeServer) update(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	f.updates = append(f.updates, raw)

	var body updateCollection
	_ = json.Unmarshal(raw, &body)
	if err := f.handle.UpdateCollection(r.Context(), chi.URLParam(r, "name"), store.CollectionParams{Optimizers: body.Optimizers}); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, true)
}

func (f *fakeServer) upsert(w http.ResponseWriter, r *http.Request) {
	var body upsertRequest
	if !decode(w, r, &body) {
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if err := f.handle.Upsert(r.Context(), chi.URLParam(r, "name"), body.Points, wait); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, map[string]any{"operation_id": 1, "status": "completed"})
}

func (f *fakeServer) delete(w http.ResponseWriter, r *http.Request) {
	var body deleteRequest
	if !decode(w, r, &body) {
		return
	}
	if err := f.handle.Delete(r.Context(), chi.URLParam(r, "name"), body.Points, true); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, map[string]any{"operation_id": 2, "status": "completed"})
}

func (f *fakeServer) get(w http.ResponseWriter, r *http.Request) {
	var body getRequest
	if !decode(w, r, &body) {
		return
	}
	points, err := f.handle.Get(r.Context(), chi.URLParam(r, "name"), body.IDs, store.With{Payload: body.WithPayload, Vectors: body.WithVector})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, points)
}

func (f *fakeServer) scroll(w http.ResponseWriter, r *http.Request) {
	var body scrollRequest
	if !decode(w, r, &body) {
		return
	}
	req := store.ScrollRequest{
		Offset: body.Offset,
		Limit:  body.Limit,
		With:   store.With{Payload: body.WithPayload, Vectors: body.WithVector},
	}
	if body.Filter != nil && len(body.Filter.Must) > 0 {
		req.Filter = &store.Filter{IsEmpty: body.Filter.Must[0].IsEmpty.Key}
	}
	page, err := f.handle.Scroll(r.Context(), chi.URLParam(r, "name"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, scrollResult{Points: page.Points, Next: page.Next})
}

func (f *fakeServer) clusterInfo(w http.ResponseWriter, r *http.Request) {
	info, err := f.handle.ClusterInfo(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, info)
}

func (f *fakeServer) clusterOp(w http.ResponseWriter, r *http.Request) {
	var body clusterOperation
	if !decode(w, r, &body) {
		return
	}
	op := body.ReplicateShard
	err := f.handle.RequestShardTransfer(r.Context(), chi.URLParam(r, "name"), store.ShardTransfer{
		ShardID:  op.ShardID,
		FromPeer: op.FromPeerID,
		ToPeer:   op.ToPeerID,
		Method:   op.Method,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, true)
}

// serve はクラスタの各ノードを httptest サーバとして公開し、対応する Client を返す
func serve(t *testing.T, sim *cluster.Cluster, apiKey string) ([]*Client, []*fakeServer) {
	t.Helper()
	if err := sim.StartAll(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sim.Close)

	var clients []*Client
	var fakes []*fakeServer
	for i := range sim.Size() {
		f := &fakeServer{handle: sim.Handle(i), apiKey: apiKey}
		srv := httptest.NewServer(f.routes())
		t.Cleanup(srv.Close)

		fakes = append(fakes, f)
		clients = append(clients, New(srv.URL, Options{APIKey: apiKey}))
	}
	return clients, fakes
}
