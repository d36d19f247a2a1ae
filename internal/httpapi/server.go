// Package httpapi exposes the client core over HTTP: JSON endpoints for
// auth and the ride workflow, and a websocket stream that mirrors the
// session state and driver feed to each connected client.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/ride"
)

type Server struct {
	store    docstore.Store
	auth     *auth.Service
	firebase *auth.FirebaseVerifier
	workflow *ride.Workflow
	hub      *Hub
	logger   *slog.Logger
	mux      *mux.Router
}

// Deps carries the collaborators the server needs. Firebase, Events and
// Payments may be nil; the corresponding behavior is simply absent.
type Deps struct {
	Store    docstore.Store
	Auth     *auth.Service
	Firebase *auth.FirebaseVerifier
	Events   ride.Publisher
	Payments payments.Processor
	Logger   *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workflow := ride.NewWorkflow(deps.Store, deps.Events, deps.Payments, logger)
	s := &Server{
		store:    deps.Store,
		auth:     deps.Auth,
		firebase: deps.Firebase,
		workflow: workflow,
		hub:      newHub(),
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/auth/signup", s.handleSignUp).Methods("POST")
	s.mux.HandleFunc("/api/v1/auth/signin", s.handleSignIn).Methods("POST")

	authed := s.mux.PathPrefix("/").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/api/v1/session", s.handleSession).Methods("GET")
	authed.HandleFunc("/api/v1/rides/request", s.handleRequestRide).Methods("POST")
	authed.HandleFunc("/api/v1/rides/{id}/accept", s.handleAcceptRide).Methods("POST")
	authed.HandleFunc("/api/v1/rides/{id}/complete", s.handleCompleteRide).Methods("POST")
	authed.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	authed.HandleFunc("/api/v1/drivers/online", s.handleDriverOnline).Methods("POST")
	authed.HandleFunc("/ws", s.handleWS).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
