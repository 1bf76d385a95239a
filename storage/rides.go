package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const ridesCollection = "rides"

// RideStatus is the lifecycle state of a ride request.
type RideStatus string

const (
	RideRequested RideStatus = "requested"
	RideAccepted  RideStatus = "accepted"
)

// Ride is a ride request as stored in the rides collection.
type Ride struct {
	ID          string     `bson:"_id" json:"id"`
	UserID      string     `bson:"user_id" json:"user_id"`
	CaptainID   string     `bson:"captain_id,omitempty" json:"captain_id,omitempty"`
	Pickup      string     `bson:"pickup" json:"pickup"`
	Destination string     `bson:"destination" json:"destination"`
	Status      RideStatus `bson:"status" json:"status"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
}

// RideSingleResult interface for mocking
type RideSingleResult interface {
	Decode(v interface{}) error
}

// RideCollection interface for mocking
type RideCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) RideSingleResult
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) RideSingleResult
}

// mongoRideCollection adapts *mongo.Collection to RideCollection
type mongoRideCollection struct {
	*mongo.Collection
}

func (m *mongoRideCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) RideSingleResult {
	return m.Collection.FindOne(ctx, filter, opts...)
}

func (m *mongoRideCollection) FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) RideSingleResult {
	return m.Collection.FindOneAndUpdate(ctx, filter, update, opts...)
}

// RideStorage persists ride requests.
type RideStorage struct {
	collection RideCollection
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewRideStorage creates ride storage on the store's rides collection.
func NewRideStorage(store *Store, logger *zap.SugaredLogger) *RideStorage {
	return NewRideStorageWithCollection(&mongoRideCollection{Collection: store.Collection(ridesCollection)}, logger)
}

// NewRideStorageWithCollection creates ride storage over any RideCollection.
func NewRideStorageWithCollection(collection RideCollection, logger *zap.SugaredLogger) *RideStorage {
	return &RideStorage{
		collection: collection,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateRide stores a new ride in the requested state. ID and timestamps are
// assigned here.
func (rs *RideStorage) CreateRide(ctx context.Context, ride *Ride) error {
	now := rs.now()
	ride.ID = uuid.NewString()
	ride.Status = RideRequested
	ride.CaptainID = ""
	ride.CreatedAt = now
	ride.UpdatedAt = now

	if _, err := rs.collection.InsertOne(ctx, ride); err != nil {
		return fmt.Errorf("failed to insert ride: %w", err)
	}

	rs.logger.Debugw("Ride created", "ride_id", ride.ID, "user_id", ride.UserID)
	return nil
}

// GetRide loads a ride by ID.
func (rs *RideStorage) GetRide(ctx context.Context, rideID string) (*Ride, error) {
	var ride Ride
	if err := rs.collection.FindOne(ctx, bson.M{"_id": rideID}).Decode(&ride); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRideNotFound
		}
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return &ride, nil
}

// AcceptRide moves a requested ride to accepted for the given captain. Rides
// that are missing or already accepted yield ErrRideNotFound.
func (rs *RideStorage) AcceptRide(ctx context.Context, rideID, captainID string) (*Ride, error) {
	filter := bson.M{"_id": rideID, "status": RideRequested}
	update := bson.M{"$set": bson.M{
		"status":     RideAccepted,
		"captain_id": captainID,
		"updated_at": rs.now(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var ride Ride
	if err := rs.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&ride); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRideNotFound
		}
		return nil, fmt.Errorf("failed to accept ride: %w", err)
	}

	rs.logger.Debugw("Ride accepted", "ride_id", ride.ID, "captain_id", captainID)
	return &ride, nil
}
