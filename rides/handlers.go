// Package rides is the ride request route set: riders create rides and
// captains accept them. Each state change is announced on the broker.
package rides

import (
	"context"
	"errors"
	"net/http"

	"ride/api"
	"ride/broker"
	"ride/storage"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Broker subjects.
const (
	SubjectNewRide      = "new-ride"
	SubjectRideAccepted = "ride-accepted"
)

// RideStore is the subset of storage.RideStorage the handlers use.
type RideStore interface {
	CreateRide(ctx context.Context, ride *storage.Ride) error
	GetRide(ctx context.Context, rideID string) (*storage.Ride, error)
	AcceptRide(ctx context.Context, rideID, captainID string) (*storage.Ride, error)
}

// Publisher announces ride events.
type Publisher interface {
	PublishEvent(ctx context.Context, subject string, v interface{}) error
}

// Handler serves the ride routes.
type Handler struct {
	store     RideStore
	publisher Publisher
	logger    *zap.SugaredLogger
	validate  *validator.Validate
}

func NewHandler(store RideStore, publisher Publisher, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		validate:  validator.New(),
	}
}

// Routes implements api.RouteSet.
func (h *Handler) Routes() []api.Route {
	return []api.Route{
		{Name: "create-ride", Method: http.MethodPost, Path: "/create-ride", Handler: http.HandlerFunc(h.createRide)},
		{Name: "accept-ride", Method: http.MethodPut, Path: "/accept-ride", Handler: http.HandlerFunc(h.acceptRide)},
		{Name: "get-ride", Method: http.MethodGet, Path: "/rides/{rideId}", Handler: http.HandlerFunc(h.getRide)},
	}
}

type createRideRequest struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	Pickup      string `json:"pickup" validate:"required,max=512"`
	Destination string `json:"destination" validate:"required,max=512"`
}

type acceptRideRequest struct {
	CaptainID string `json:"captain_id" validate:"required,max=128"`
}

// rideResponse wraps a ride; Error is set when the ride was stored but its
// event could not be published.
type rideResponse struct {
	Ride  *storage.Ride `json:"ride"`
	Error string        `json:"error,omitempty"`
}

func (h *Handler) createRide(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.CredentialToken(r.Context()); !ok {
		api.WriteError(w, http.StatusUnauthorized, "Missing credential token", nil, nil)
		return
	}

	var req createRideRequest
	if err := api.DecodeBody(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid request body", err, nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Validation failed: "+err.Error(), nil, nil)
		return
	}

	ride := &storage.Ride{
		UserID:      req.UserID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
	}
	done := api.TraceOperation(r.Context(), h.logger, "storage", "create_ride")
	err := h.store.CreateRide(r.Context(), ride)
	done()
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "Failed to create ride", err, h.logger)
		return
	}

	h.publish(w, r, SubjectNewRide, ride, http.StatusCreated)
}

func (h *Handler) acceptRide(w http.ResponseWriter, r *http.Request) {
	rideID := r.URL.Query().Get("rideId")
	if rideID == "" {
		api.WriteError(w, http.StatusBadRequest, "rideId is required", nil, nil)
		return
	}

	var req acceptRideRequest
	if err := api.DecodeBody(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid request body", err, nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Validation failed: "+err.Error(), nil, nil)
		return
	}

	done := api.TraceOperation(r.Context(), h.logger, "storage", "accept_ride")
	ride, err := h.store.AcceptRide(r.Context(), rideID, req.CaptainID)
	done()
	if err != nil {
		if errors.Is(err, storage.ErrRideNotFound) {
			api.WriteError(w, http.StatusNotFound, "Ride not found or already accepted", nil, nil)
			return
		}
		api.WriteError(w, http.StatusInternalServerError, "Failed to accept ride", err, h.logger)
		return
	}

	h.publish(w, r, SubjectRideAccepted, ride, http.StatusOK)
}

func (h *Handler) getRide(w http.ResponseWriter, r *http.Request) {
	ride, err := h.store.GetRide(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		if errors.Is(err, storage.ErrRideNotFound) {
			api.WriteError(w, http.StatusNotFound, "Ride not found", nil, nil)
			return
		}
		api.WriteError(w, http.StatusInternalServerError, "Failed to get ride", err, h.logger)
		return
	}
	api.WriteJSON(w, http.StatusOK, rideResponse{Ride: ride}, h.logger)
}

// publish announces the stored ride. A broker outage is reported as 503 with
// the stored ride so the caller knows the state change did happen.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request, subject string, ride *storage.Ride, status int) {
	done := api.TraceOperation(r.Context(), h.logger, "broker", subject)
	err := h.publisher.PublishEvent(r.Context(), subject, ride)
	done()
	if err != nil {
		api.LogWithRequestID(r.Context(), h.logger).Warnw("Failed to publish ride event",
			"subject", subject,
			"ride_id", ride.ID,
			"error", err)

		status := http.StatusInternalServerError
		message := "Failed to publish ride event"
		if errors.Is(err, broker.ErrUnavailable) {
			status = http.StatusServiceUnavailable
			message = "Message broker unavailable"
		}
		api.WriteJSON(w, status, rideResponse{Ride: ride, Error: message}, h.logger)
		return
	}
	api.WriteJSON(w, status, rideResponse{Ride: ride}, h.logger)
}
