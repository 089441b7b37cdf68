package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twpayne/go-geos"

	"github.com/bsaid97/hexdensity/boundary"
	"github.com/bsaid97/hexdensity/config"
	"github.com/bsaid97/hexdensity/engine"
	"github.com/bsaid97/hexdensity/handlers"
	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/logging"
	"github.com/bsaid97/hexdensity/utils"
)

type server struct {
	cfg    *config.Config
	engine *engine.Engine
}

type jobRequest struct {
	Region     string `json:"region"`
	Resolution int    `json:"resolution"`
	Force      bool   `json:"force"`
}

type cellsResponse struct {
	Resolution int      `json:"resolution"`
	Cells      []string `json:"cells"`
}

type jobStatusResponse struct {
	Job   engine.Job      `json:"job"`
	Sinks map[string]bool `json:"sinks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newServer(cfg *config.Config, e *engine.Engine) *server {
	return &server{cfg: cfg, engine: e}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverPanics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sendResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.runJobHandler)
		r.Get("/jobs/{region}/{resolution}", s.jobStatusHandler)
		r.Get("/jobs/{region}/{resolution}/density", s.jobDensityHandler)
		r.Post("/cells", s.cellsHandler)
		r.Post("/coverage", s.coverageHandler)
		r.Post("/check-geometry", s.checkGeometryHandler)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains open requests.
func (s *server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", httpServer.Addr).Msg("server listening")
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	logging.Info().Msg("server stopped")
	return nil
}

func (s *server) runJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Errorf("decoding job request: %w", err))
		return
	}
	if req.Region == "" {
		sendError(w, http.StatusBadRequest, errors.New("region is required"))
		return
	}

	e := s.engine
	if req.Force {
		e = e.WithForce(true)
	}
	out, err := e.Run(r.Context(), engine.Job{Region: req.Region, Resolution: req.Resolution})
	if err != nil {
		sendResponse(w, jobErrorStatus(err), out)
		return
	}
	sendResponse(w, http.StatusOK, out)
}

func jobErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidResolution), errors.Is(err, engine.ErrUnsupportedGeometry):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInputMissing):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) jobStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, err := jobFromPath(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.engine.SinkStatus(r.Context(), job)
	if err != nil {
		sendError(w, http.StatusBadGateway, err)
		return
	}
	sendResponse(w, http.StatusOK, jobStatusResponse{Job: job, Sinks: status})
}

func (s *server) jobDensityHandler(w http.ResponseWriter, r *http.Request) {
	job, err := jobFromPath(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.engine.Files().Load(job)
	if errors.Is(err, fs.ErrNotExist) {
		sendError(w, http.StatusNotFound, fmt.Errorf("no output for %s", job.Key()))
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	sendResponse(w, http.StatusOK, records)
}

func jobFromPath(r *http.Request) (engine.Job, error) {
	res, err := strconv.Atoi(chi.URLParam(r, "resolution"))
	if err != nil {
		return engine.Job{}, fmt.Errorf("resolution %q is not an integer", chi.URLParam(r, "resolution"))
	}
	return engine.Job{Region: chi.URLParam(r, "region"), Resolution: res}, nil
}

// readGrid decodes the boundary of a cells or coverage request and generates
// its grid.
func (s *server) readGrid(r *http.Request) (boundary.Boundary, []string, int, error) {
	req, err := utils.ReadBoundaryRequest(r, "file")
	if err != nil {
		return boundary.Boundary{}, nil, 0, err
	}
	b, err := boundary.Normalize([]byte(req.File), boundary.Options{MultiPolygon: s.cfg.Boundary.MultiPolygon})
	if err != nil {
		return boundary.Boundary{}, nil, 0, err
	}
	ids, err := hexgrid.Generate(b, req.Properties.Resolution)
	if err != nil {
		return boundary.Boundary{}, nil, 0, err
	}
	return b, ids, req.Properties.Resolution, nil
}

func (s *server) cellsHandler(w http.ResponseWriter, r *http.Request) {
	_, ids, res, err := s.readGrid(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	sendResponse(w, http.StatusOK, cellsResponse{Resolution: res, Cells: ids})
}

func (s *server) coverageHandler(w http.ResponseWriter, r *http.Request) {
	b, ids, _, err := s.readGrid(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	report, err := handlers.CheckCoverage(b, ids)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	sendResponse(w, http.StatusOK, report)
}

func (s *server) checkGeometryHandler(w http.ResponseWriter, r *http.Request) {
	req, err := utils.ReadBoundaryRequest(r, "file")
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	g, err := geos.NewGeomFromGeoJSON(req.File)
	if err != nil {
		sendError(w, http.StatusBadRequest, fmt.Errorf("decoding geometry: %w", err))
		return
	}

	var report []handlers.GeometryError
	switch g.TypeID() {
	case geos.TypeIDGeometryCollection, geos.TypeIDMultiPolygon:
		report = handlers.CheckCollection(g)
	default:
		report = handlers.CheckGeometry([]*geos.Geom{g}, nil)
	}
	if report == nil {
		report = []handlers.GeometryError{}
	}
	sendResponse(w, http.StatusOK, report)
}

func sendResponse(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func sendError(w http.ResponseWriter, status int, err error) {
	sendResponse(w, status, errorResponse{Error: err.Error()})
}

// recoverPanics turns a panic in a handler, usually from GEOS, into a 500.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error().
					Str("path", r.URL.Path).
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Interface("panic", rec).
					Msg("panic recovered in handler")
				sendError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}
