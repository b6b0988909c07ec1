package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"billing-api/internal/models"
)

type TransactionRepository interface {
	// Create inserts a ledger entry. The partial unique index on
	// (source, source_id) makes the duplicate check and the insert one
	// atomic operation; a constraint hit surfaces as ErrDuplicateSource.
	Create(ctx context.Context, transaction *models.Transaction) error
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetBySource(ctx context.Context, source models.TransactionSource, sourceID string) (*models.Transaction, error)
	ExistsBySource(ctx context.Context, source models.TransactionSource, sourceID string) (bool, error)
	ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*models.Transaction, int64, error)
	GetLatestByUser(ctx context.Context, userID int64) (*models.Transaction, error)
	CreateIndexes(ctx context.Context) error
}

type transactionRepository struct {
	collection *mongo.Collection
}

func NewTransactionRepository(db *mongo.Database) TransactionRepository {
	return &transactionRepository{
		collection: db.Collection("transactions"),
	}
}

func (r *transactionRepository) Create(ctx context.Context, transaction *models.Transaction) error {
	result, err := r.collection.InsertOne(ctx, transaction)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateSource
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	transaction.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *transactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", transactionID, err)
	}
	return &transaction, nil
}

func (r *transactionRepository) GetBySource(ctx context.Context, source models.TransactionSource, sourceID string) (*models.Transaction, error) {
	var transaction models.Transaction
	filter := bson.M{"source": source, "source_id": sourceID}
	err := r.collection.FindOne(ctx, filter).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by source %s/%s: %w", source, sourceID, err)
	}
	return &transaction, nil
}

func (r *transactionRepository) ExistsBySource(ctx context.Context, source models.TransactionSource, sourceID string) (bool, error) {
	filter := bson.M{"source": source, "source_id": sourceID}
	count, err := r.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check transaction source %s/%s: %w", source, sourceID, err)
	}
	return count > 0, nil
}

func (r *transactionRepository) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*models.Transaction, int64, error) {
	filter := bson.M{"user_id": userID}

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions for user %d: %w", userID, err)
	}

	opts := options.Find().
		SetLimit(int64(pageSize)).
		SetSkip(int64((page - 1) * pageSize)).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions for user %d: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var transactions []*models.Transaction
	for cursor.Next(ctx) {
		var transaction models.Transaction
		if err := cursor.Decode(&transaction); err != nil {
			return nil, 0, fmt.Errorf("failed to decode transaction: %w", err)
		}
		transactions = append(transactions, &transaction)
	}
	return transactions, total, cursor.Err()
}

func (r *transactionRepository) GetLatestByUser(ctx context.Context, userID int64) (*models.Transaction, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}, opts).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest transaction for user %d: %w", userID, err)
	}
	return &transaction, nil
}

func (r *transactionRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "source", Value: 1}, {Key: "source_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"source_id": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	return nil
}
