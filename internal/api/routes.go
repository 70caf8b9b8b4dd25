// Package api provides HTTP handlers for the gridtiles server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/regionstore"
	"github.com/gridtiles/server/internal/render"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/service"
	"github.com/gridtiles/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SourceRegistry
	Sessions    *SessionManager
	Jobs        *JobManager
	Tiles       *render.TileRenderer
	Cache       *cache.Manager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Tiles == nil {
		cfg.Tiles = render.NewTileRenderer(render.Config{})
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/sources", sourcesHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Source-scoped routes
	r.Route("/api/sources/{source}", func(r chi.Router) {
		r.Use(sourceMiddleware(cfg.Registry))
		r.Get("/metadata", sourceMetadataHandler)
		r.Post("/sessions", sessionCreateHandler(cfg.Sessions))
	})

	// Session-scoped routes
	r.Route("/api/sessions/{session}", func(r chi.Router) {
		r.Use(sessionMiddleware(cfg.Sessions))
		r.Delete("/", sessionDeleteHandler(cfg.Sessions, cfg.Jobs))
		r.Get("/state", sessionStateHandler)
		r.Put("/camera", cameraHandler)
		r.Put("/viewport", viewportHandler)
		r.Put("/selector", selectorHandler)
		r.Put("/uniforms", uniformsHandler)
		r.Put("/colormap", colormapHandler)
		r.Get("/drawable", drawableHandler)
		r.Get("/frame.png", frameHandler)
		r.Get("/tiles/{z}/{x}/{y}.png", sessionTileHandler(cfg.Tiles))
		r.Get("/ws", wsHandler(cfg.Jobs))

		r.Route("/region", func(r chi.Router) {
			r.Post("/", regionSubmitHandler(cfg.Jobs))
			r.Get("/jobs", regionJobsHandler(cfg.Jobs))
		})
	})

	// Region job endpoints (not session-scoped)
	r.Route("/api/region/jobs", func(r chi.Router) {
		r.Get("/{job_id}", regionJobStatusHandler(cfg.Jobs))
		r.Get("/{job_id}/result", regionJobResultHandler(cfg.Jobs))
		r.Delete("/{job_id}", regionJobCancelHandler(cfg.Jobs))
	})

	return r
}

type ctxKey string

const (
	sourceEntryKey ctxKey = "sourceEntry"
	sessionKey     ctxKey = "session"
)

func sourceMiddleware(registry *SourceRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sourceID := chi.URLParam(r, "source")
			entry := registry.Get(sourceID)
			if entry == nil {
				http.Error(w, "source not found: "+sourceID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sourceEntryKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSourceEntry(r *http.Request) *SourceEntry {
	if e, ok := r.Context().Value(sourceEntryKey).(*SourceEntry); ok {
		return e
	}
	return nil
}

func sessionMiddleware(sessions *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "session")
			sess, err := sessions.Get(id)
			if err != nil {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *Session {
	if s, ok := r.Context().Value(sessionKey).(*Session); ok {
		return s
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sourcesHandler returns the list of available sources.
func sourcesHandler(registry *SourceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default": registry.DefaultSourceID(),
			"sources": registry.Sources(),
			"title":   registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"colormaps": colormap.Names()})
}

func cacheStatsHandler(m *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, m.Stats())
	}
}

func sourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	entry := getSourceEntry(r)
	src, err := entry.Resolve(r.Context())
	if err != nil {
		http.Error(w, "failed to open source: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         entry.ID,
		"metadata":   src.Meta,
		"fill_value": service.Value(src.Meta.FillValue),
		"bands":      selector.Bands(src.Meta.Variable, selector.Selector(entry.Config.Selector)),
	})
}

func sessionCreateHandler(sessions *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		entry := getSourceEntry(r)
		sess, err := sessions.Create(entry.ID, req)
		if err != nil {
			var modeErr *service.InvalidModeError
			if errors.As(err, &modeErr) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "failed to create session: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func sessionDeleteHandler(sessions *SessionManager, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := getSession(r)
		if jm != nil {
			jm.ForgetSession(sess.ID)
		}
		if err := sessions.Delete(sess.ID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": sess.ID, "deleted": true})
	}
}

func sessionStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Tiles.State())
}

// batchResponse reports the loads started by a camera update. With
// ?wait=true the handler blocks until they settle.
func batchResponse(w http.ResponseWriter, r *http.Request, b *service.Batch) {
	loads := make([]string, 0, len(b.Loads()))
	for _, k := range b.Loads() {
		loads = append(loads, k.String())
	}
	resp := map[string]interface{}{
		"level": b.Level,
		"loads": loads,
	}
	if r.URL.Query().Get("wait") == "true" {
		if err := b.Wait(r.Context()); err != nil {
			resp["error"] = err.Error()
		}
		resp["updated"] = b.Updated()
	}
	writeJSON(w, http.StatusOK, resp)
}

func cameraHandler(w http.ResponseWriter, r *http.Request) {
	var camera pyramid.Camera
	if err := json.NewDecoder(r.Body).Decode(&camera); err != nil {
		http.Error(w, "invalid camera: "+err.Error(), http.StatusBadRequest)
		return
	}
	batchResponse(w, r, getSession(r).Tiles.UpdateCamera(camera))
}

func viewportHandler(w http.ResponseWriter, r *http.Request) {
	var v pyramid.Viewport
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "invalid viewport: "+err.Error(), http.StatusBadRequest)
		return
	}
	if v.Width < 0 || v.Height < 0 || v.Width > pyramid.MaxViewport || v.Height > pyramid.MaxViewport {
		http.Error(w, fmt.Sprintf("viewport sides must be within [0, %d]", pyramid.MaxViewport), http.StatusBadRequest)
		return
	}
	changed := getSession(r).Tiles.UpdateViewport(v)
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed})
}

// selectorHandler replaces the selector and replays the current camera so
// the active tiles load the new slice.
func selectorHandler(w http.ResponseWriter, r *http.Request) {
	var sel selector.Selector
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		http.Error(w, "invalid selector: "+err.Error(), http.StatusBadRequest)
		return
	}
	tiles := getSession(r).Tiles
	tiles.UpdateSelector(sel)
	st := tiles.State()
	if !st.Initialized {
		writeJSON(w, http.StatusOK, map[string]interface{}{"level": st.Level, "loads": []string{}})
		return
	}
	batchResponse(w, r, tiles.UpdateCamera(st.Camera))
}

// uniformsHandler merges the body into the current uniforms.
func uniformsHandler(w http.ResponseWriter, r *http.Request) {
	tiles := getSession(r).Tiles
	u := tiles.State().Uniforms
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid uniforms: "+err.Error(), http.StatusBadRequest)
		return
	}
	tiles.UpdateUniforms(u)
	writeJSON(w, http.StatusOK, u)
}

type colormapRequest struct {
	Name   string     `json:"name"`
	Colors [][3]uint8 `json:"colors"`
}

func parseColormap(req colormapRequest) (colormap.Colormap, error) {
	if len(req.Colors) > 0 {
		return colormap.FromRGB(req.Colors)
	}
	c, ok := colormap.ByName(req.Name)
	if !ok {
		return nil, errors.New("unknown colormap: " + req.Name)
	}
	return c, nil
}

func colormapHandler(w http.ResponseWriter, r *http.Request) {
	var req colormapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid colormap: "+err.Error(), http.StatusBadRequest)
		return
	}
	c, err := parseColormap(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	getSession(r).Tiles.UpdateColormap(c)
	writeJSON(w, http.StatusOK, map[string]interface{}{"colors": len(c.Colors())})
}

func drawableHandler(w http.ResponseWriter, r *http.Request) {
	frame, err := getSession(r).Tiles.Frame()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":      frame.Mode,
		"primitive": frame.Primitive,
		"level":     frame.Level,
		"uniforms":  frame.Uniforms,
		"props":     frame.Props,
	})
}

func frameHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	if err := sess.Tiles.Draw(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(sess.Frames.LastPNG())
}

// sessionTileHandler renders one tile's buffer as it currently stands. A
// tile without a buffer for the session's selector renders empty.
func sessionTileHandler(tr *render.TileRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		z, err := strconv.Atoi(chi.URLParam(r, "z"))
		if err != nil {
			http.Error(w, "invalid z", http.StatusBadRequest)
			return
		}
		x, err := strconv.Atoi(chi.URLParam(r, "x"))
		if err != nil {
			http.Error(w, "invalid x", http.StatusBadRequest)
			return
		}
		y, err := strconv.Atoi(chi.URLParam(r, "y"))
		if err != nil {
			http.Error(w, "invalid y", http.StatusBadRequest)
			return
		}

		tiles := getSession(r).Tiles
		index := tiles.Index()
		if index == nil {
			http.Error(w, service.ErrNotInitialized.Error(), http.StatusServiceUnavailable)
			return
		}
		t, err := index.Get(pyramid.Key{X: x, Y: y, Z: z})
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		var data []byte
		st := tiles.State()
		bufs := t.Buffers()
		buf, ok := bufs[r.URL.Query().Get("band")]
		if bands := t.Bands(); !ok && len(bands) > 0 {
			buf = bufs[bands[0]]
		}
		if t.HasPopulatedBuffer(st.Selector) && len(buf) > 0 {
			data, err = tr.RenderTile(buf, t.Size(), render.Style{
				Mode:     st.Mode,
				Uniforms: st.Uniforms,
				Colormap: tiles.Colormap(),
			})
		}
		if data == nil || err != nil {
			data, _ = tr.CreateEmptyTile()
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

// submitRegion validates a region request against the session and enqueues
// it. The session's selector applies when the request carries none.
func submitRegion(jm *JobManager, sess *Session, body []byte) (*regionstore.Job, error) {
	q, err := parseRegion(body)
	if err != nil {
		return nil, err
	}
	if _, err := q.Region.Meters(); err != nil {
		return nil, err
	}
	sel := q.Selector
	if sel == nil {
		sel = sess.Tiles.State().Selector
	}
	return jm.Submit(regionstore.JobParams{
		SourceID:  sess.SourceID,
		SessionID: sess.ID,
		Center:    [2]float64(q.Region.Center),
		Radius:    q.Region.Radius,
		Units:     q.Region.Units,
		Selector:  sel,
	})
}

func regionSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		job, err := submitRegion(jm, getSession(r), body)
		if errors.Is(err, ErrJobManagerStopped) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "invalid region: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id":     job.ID,
			"generation": job.Generation,
			"status":     job.Status,
		})
	}
}

func regionJobsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.Store().ListJobsBySession(getSession(r).ID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*regionstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func regionJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func regionJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != regionstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		result, err := jm.Store().GetResult(jobID)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if result == nil {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
	}
}

func regionJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}
