package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type HealthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

type HealthChecker struct {
	mongoClient *mongo.Client
	redisClient *redis.Client
}

func NewHealthChecker(mongoClient *mongo.Client, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{
		mongoClient: mongoClient,
		redisClient: redisClient,
	}
}

func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := &HealthStatus{
		Status:    "healthy",
		Checks:    make(map[string]string),
		Timestamp: time.Now().UTC(),
	}

	if err := h.mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		status.Status = "unhealthy"
		status.Checks["mongodb"] = err.Error()
	} else {
		status.Checks["mongodb"] = "ok"
	}

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		status.Status = "unhealthy"
		status.Checks["redis"] = err.Error()
	} else {
		status.Checks["redis"] = "ok"
	}

	return status
}
