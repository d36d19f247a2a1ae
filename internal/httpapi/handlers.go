package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/ride"
)

type signUpRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

type authResponse struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Token string `json:"token"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	ident, token, err := s.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}

	// Profile creation is a second, non-transactional step. If it fails the
	// account exists without a profile and the session surface reports the
	// profile as missing until the user retries.
	fields := docstore.Fields{
		"role":      string(req.Role),
		"createdAt": docstore.ServerTimestamp,
		"updatedAt": docstore.ServerTimestamp,
	}
	if req.Role == models.RoleDriver {
		fields["isOnline"] = false
	}
	if err := s.store.Put(r.Context(), docstore.CollectionUsers, ident.UID, fields); err != nil {
		s.logger.Error("profile creation failed after sign-up", "uid", ident.UID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("account created but profile could not be saved"))
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{UID: ident.UID, Email: ident.Email, Token: token})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ident, token, err := s.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{UID: ident.UID, Email: ident.Email, Token: token})
}

// handleSession is the point-read mirror of the synchronized state: the
// caller's identity plus their profile, with profile null when the document
// is missing (a valid, displayable condition, not an error).
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	resp := map[string]any{"identity": ident, "profile": nil}
	doc, err := s.store.Get(r.Context(), docstore.CollectionUsers, ident.UID)
	if err == nil {
		resp["profile"] = models.ProfileFromFields(doc.Fields)
	} else if !errors.Is(err, docstore.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type requestRideRequest struct {
	Pickup models.Location `json:"pickup"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req requestRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ident := identityFromContext(r.Context())
	placement := s.workflow.Request(r.Context(), ident.UID, req.Pickup)
	if placement.Outcome() == ride.PlacementFailed {
		writeError(w, http.StatusBadGateway, placement.Err())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": placement.RequestID(),
		"status":     models.StatusSearching,
	})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	requestID := mux.Vars(r)["id"]
	if err := s.workflow.Accept(r.Context(), ident.UID, requestID); err != nil {
		writeError(w, rideStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "status": models.StatusMatched})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	requestID := mux.Vars(r)["id"]
	if err := s.workflow.Complete(r.Context(), ident.UID, requestID); err != nil {
		writeError(w, rideStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "status": models.StatusCompleted})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	requestID := mux.Vars(r)["id"]
	if err := s.workflow.CancelRequest(r.Context(), ident.UID, requestID); err != nil {
		writeError(w, rideStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "status": models.StatusCancelled})
}

type onlineRequest struct {
	Online bool `json:"online"`
}

// handleDriverOnline toggles availability. When the caller has a live
// websocket stream its feed handles the toggle (and the subscription); with
// no stream only the stored flag changes.
func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ident := identityFromContext(r.Context())
	if feed := s.hub.feedFor(ident.UID); feed != nil {
		if err := feed.SetOnline(r.Context(), req.Online); err != nil {
			writeError(w, rideStatus(err), err)
			return
		}
	} else if err := s.store.Update(r.Context(), docstore.CollectionUsers, ident.UID, docstore.Fields{
		"isOnline":  req.Online,
		"updatedAt": docstore.ServerTimestamp,
	}); err != nil {
		writeError(w, rideStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": req.Online})
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrEmptyCredentials),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrPasswordTooShort):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func rideStatus(err error) int {
	switch {
	case errors.Is(err, ride.ErrAlreadyMatched), errors.Is(err, ride.ErrNotTransitionable):
		return http.StatusConflict
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
