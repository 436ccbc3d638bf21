package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homt/fleetd/internal/config"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Collection name constants.
const (
	colSubscriptions = "fleet_subscriptions"
	colNodes         = "fleet_nodes"
)

type subscriptionDoc struct {
	ID             string    `bson:"_id"`
	Token          string    `bson:"token"`
	AccountID      string    `bson:"account_id"`
	AccountEmail   string    `bson:"account_email"`
	PackageName    string    `bson:"package_name,omitempty"`
	AssignedNode   string    `bson:"assigned_node"`
	Quota          int64     `bson:"quota"`
	UsagePeriods   []int64   `bson:"usage_periods"`
	Status         string    `bson:"status"`
	ExpiresAt      time.Time `bson:"expires_at"`
	LastNodeChange time.Time `bson:"last_node_change"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
	Version        int64     `bson:"version"`
}

func toSubscriptionDoc(s *model.Subscription) *subscriptionDoc {
	usage := []int64(s.Usage.Clone())
	if usage == nil {
		usage = []int64{}
	}
	return &subscriptionDoc{
		ID:             s.ID,
		Token:          s.Token,
		AccountID:      s.AccountID,
		AccountEmail:   s.AccountEmail,
		PackageName:    s.PackageName,
		AssignedNode:   s.AssignedNode,
		Quota:          s.Quota,
		UsagePeriods:   usage,
		Status:         string(s.Status),
		ExpiresAt:      s.ExpiresAt,
		LastNodeChange: s.LastNodeChange,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Version:        s.Version,
	}
}

func fromSubscriptionDoc(d *subscriptionDoc) *model.Subscription {
	return &model.Subscription{
		ID:             d.ID,
		Token:          d.Token,
		AccountID:      d.AccountID,
		AccountEmail:   d.AccountEmail,
		PackageName:    d.PackageName,
		AssignedNode:   d.AssignedNode,
		Quota:          d.Quota,
		Usage:          model.UsagePeriods(d.UsagePeriods),
		Status:         model.SubscriptionStatus(d.Status),
		ExpiresAt:      d.ExpiresAt.UTC(),
		LastNodeChange: d.LastNodeChange.UTC(),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		Version:        d.Version,
	}
}

type nodeDoc struct {
	Name        string    `bson:"_id"`
	Address     string    `bson:"address"`
	ControlPort int       `bson:"control_port"`
	Location    string    `bson:"location,omitempty"`
	Status      string    `bson:"status"`
	Capacity    int       `bson:"capacity"`
	CurrentLoad int       `bson:"current_load"`
	LastChecked time.Time `bson:"last_checked"`
}

func fromNodeDoc(d *nodeDoc) *model.Node {
	return &model.Node{
		Name:        d.Name,
		Address:     d.Address,
		ControlPort: d.ControlPort,
		Location:    d.Location,
		Status:      model.NodeStatus(d.Status),
		Capacity:    d.Capacity,
		CurrentLoad: d.CurrentLoad,
		LastChecked: d.LastChecked.UTC(),
	}
}

// NewMongoClient connects to MongoDB and verifies the connection
func NewMongoClient(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// MongoLedger implements SubscriptionLedger for MongoDB
type MongoLedger struct {
	client *mongo.Client
	subs   *mongo.Collection
	logger *zap.Logger
}

func NewMongoLedger(client *mongo.Client, database string, logger *zap.Logger) *MongoLedger {
	return &MongoLedger{
		client: client,
		subs:   client.Database(database).Collection(colSubscriptions),
		logger: logger,
	}
}

// Migrate creates the indexes the ledger queries rely on
func (l *MongoLedger) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := l.client.Database(l.subs.Database().Name()).Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("fleet/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "token", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "assigned_node", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colNodes: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
	}
}

func (l *MongoLedger) find(ctx context.Context, filter bson.M) ([]*model.Subscription, error) {
	cursor, err := l.subs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, ferrors.LedgerUnavailable("fleet/mongo: find subscriptions", err)
	}

	var docs []subscriptionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, ferrors.LedgerUnavailable("fleet/mongo: decode subscriptions", err)
	}

	out := make([]*model.Subscription, len(docs))
	for i := range docs {
		out[i] = fromSubscriptionDoc(&docs[i])
	}
	return out, nil
}

func (l *MongoLedger) FindActiveWithNode(ctx context.Context) ([]*model.Subscription, error) {
	return l.find(ctx, bson.M{
		"status":        string(model.StatusActive),
		"assigned_node": bson.M{"$ne": ""},
	})
}

func (l *MongoLedger) FindExpired(ctx context.Context, now time.Time) ([]*model.Subscription, error) {
	return l.find(ctx, bson.M{
		"status":     string(model.StatusActive),
		"expires_at": bson.M{"$lte": now},
	})
}

func (l *MongoLedger) FindByNode(ctx context.Context, node string, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	filter := bson.M{"assigned_node": node}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		filter["status"] = bson.M{"$in": names}
	}
	return l.find(ctx, filter)
}

func (l *MongoLedger) FindTerminalWithNode(ctx context.Context) ([]*model.Subscription, error) {
	return l.find(ctx, bson.M{
		"status":        bson.M{"$ne": string(model.StatusActive)},
		"assigned_node": bson.M{"$ne": ""},
	})
}

func (l *MongoLedger) Get(ctx context.Context, id string) (*model.Subscription, error) {
	var doc subscriptionDoc
	err := l.subs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ferrors.NotFound("subscription", id)
	}
	if err != nil {
		return nil, ferrors.LedgerUnavailable("fleet/mongo: get subscription", err)
	}
	return fromSubscriptionDoc(&doc), nil
}

func (l *MongoLedger) Create(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	if _, err := l.subs.InsertOne(ctx, toSubscriptionDoc(sub)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ferrors.Conflict("subscription or token already exists", err)
		}
		return fmt.Errorf("fleet/mongo: create subscription: %w", err)
	}
	return nil
}

// Save replaces the document only if its version is still sub.Version
func (l *MongoLedger) Save(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	stored, err := l.Get(ctx, sub.ID)
	if err != nil {
		return err
	}
	if err := checkUsageAdvance(stored, sub); err != nil {
		return err
	}

	doc := toSubscriptionDoc(sub)
	doc.Version = sub.Version + 1
	doc.UpdatedAt = time.Now().UTC()

	res, err := l.subs.ReplaceOne(ctx, bson.M{"_id": sub.ID, "version": sub.Version}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ferrors.Conflict("token already in use", err)
		}
		return ferrors.LedgerUnavailable("fleet/mongo: save subscription", err)
	}
	if res.MatchedCount == 0 {
		return ferrors.Conflict("subscription not found or version mismatch", nil).
			WithDetail("id", sub.ID).
			WithDetail("version", sub.Version)
	}

	sub.Version = doc.Version
	sub.UpdatedAt = doc.UpdatedAt
	return nil
}

func (l *MongoLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx, nil)
}

func (l *MongoLedger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.client.Disconnect(ctx)
}

// MongoNodeRegistry implements NodeRegistry for MongoDB
type MongoNodeRegistry struct {
	nodes  *mongo.Collection
	logger *zap.Logger
}

func NewMongoNodeRegistry(client *mongo.Client, database string, logger *zap.Logger) *MongoNodeRegistry {
	return &MongoNodeRegistry{
		nodes:  client.Database(database).Collection(colNodes),
		logger: logger,
	}
}

func (r *MongoNodeRegistry) ListNodes(ctx context.Context) ([]*model.Node, error) {
	cursor, err := r.nodes.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, ferrors.LedgerUnavailable("fleet/mongo: list nodes", err)
	}

	var docs []nodeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, ferrors.LedgerUnavailable("fleet/mongo: decode nodes", err)
	}

	out := make([]*model.Node, len(docs))
	for i := range docs {
		out[i] = fromNodeDoc(&docs[i])
	}
	return out, nil
}

func (r *MongoNodeRegistry) GetNode(ctx context.Context, name string) (*model.Node, error) {
	var doc nodeDoc
	err := r.nodes.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ferrors.NotFound("node", name)
	}
	if err != nil {
		return nil, ferrors.LedgerUnavailable("fleet/mongo: get node", err)
	}
	return fromNodeDoc(&doc), nil
}

func (r *MongoNodeRegistry) SaveNode(ctx context.Context, node *model.Node) error {
	if err := node.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	update := bson.M{
		"$set": bson.M{
			"address":      node.Address,
			"control_port": node.ControlPort,
			"location":     node.Location,
			"status":       string(node.Status),
			"capacity":     node.Capacity,
			"last_checked": node.LastChecked,
		},
		"$setOnInsert": bson.M{"current_load": max(node.CurrentLoad, 0)},
	}
	_, err := r.nodes.UpdateOne(ctx, bson.M{"_id": node.Name}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("fleet/mongo: save node: %w", err)
	}
	return nil
}

// AdjustLoad applies delta with a pipeline update so the floor is enforced server-side
func (r *MongoNodeRegistry) AdjustLoad(ctx context.Context, name string, delta int) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "current_load", Value: bson.D{{Key: "$max", Value: bson.A{
			0,
			bson.D{{Key: "$add", Value: bson.A{"$current_load", delta}}},
		}}}}}}},
	}
	res, err := r.nodes.UpdateOne(ctx, bson.M{"_id": name}, pipeline)
	if err != nil {
		return fmt.Errorf("fleet/mongo: adjust load: %w", err)
	}
	if res.MatchedCount == 0 {
		return ferrors.NotFound("node", name)
	}
	return nil
}

var (
	_ SubscriptionLedger = (*MongoLedger)(nil)
	_ NodeRegistry       = (*MongoNodeRegistry)(nil)
)
