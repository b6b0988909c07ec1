package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"billing-api/internal/models"
)

type BalanceRepository interface {
	Create(ctx context.Context, balance *models.Balance) error
	GetByUserID(ctx context.Context, userID int64) (*models.Balance, error)
	Update(ctx context.Context, balance *models.Balance) error
	ListDebtors(ctx context.Context) ([]*models.Balance, error)
	List(ctx context.Context, limit, offset int) ([]*models.Balance, error)
	CreateIndexes(ctx context.Context) error
}

type balanceRepository struct {
	collection *mongo.Collection
}

func NewBalanceRepository(db *mongo.Database) BalanceRepository {
	return &balanceRepository{
		collection: db.Collection("balances"),
	}
}

func (r *balanceRepository) Create(ctx context.Context, balance *models.Balance) error {
	balance.CreatedAt = time.Now()
	balance.LastUpdated = balance.CreatedAt

	result, err := r.collection.InsertOne(ctx, balance)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create balance: %w", err)
	}

	balance.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *balanceRepository) GetByUserID(ctx context.Context, userID int64) (*models.Balance, error) {
	var balance models.Balance
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&balance)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get balance for user %d: %w", userID, err)
	}
	return &balance, nil
}

func (r *balanceRepository) Update(ctx context.Context, balance *models.Balance) error {
	balance.LastUpdated = time.Now()

	filter := bson.M{"_id": balance.ID}
	update := bson.M{"$set": balance}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *balanceRepository) ListDebtors(ctx context.Context) ([]*models.Balance, error) {
	filter := bson.M{"debt": bson.M{"$gt": 0}}
	opts := options.Find().SetSort(bson.D{{Key: "debt", Value: -1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list debtors: %w", err)
	}
	defer cursor.Close(ctx)

	var debtors []*models.Balance
	for cursor.Next(ctx) {
		var balance models.Balance
		if err := cursor.Decode(&balance); err != nil {
			return nil, fmt.Errorf("failed to decode debtor balance: %w", err)
		}
		debtors = append(debtors, &balance)
	}
	return debtors, cursor.Err()
}

func (r *balanceRepository) List(ctx context.Context, limit, offset int) ([]*models.Balance, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.D{{Key: "user_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer cursor.Close(ctx)

	var balances []*models.Balance
	for cursor.Next(ctx) {
		var balance models.Balance
		if err := cursor.Decode(&balance); err != nil {
			return nil, fmt.Errorf("failed to decode balance: %w", err)
		}
		balances = append(balances, &balance)
	}
	return balances, cursor.Err()
}

func (r *balanceRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "debt", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create balance indexes: %w", err)
	}
	return nil
}
