package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
)

type LeadStatus struct {
	redisClient *redis.Client
	leads       lead.Repository
}

func NewLeadStatus(redisClient *redis.Client, leads lead.Repository) *LeadStatus {
	return &LeadStatus{
		redisClient: redisClient,
		leads:       leads,
	}
}

func (uc *LeadStatus) Execute(ctx context.Context, eventKey string) (*lead.Lead, error) {
	cacheKey := fmt.Sprintf("lead:%s", eventKey)

	if uc.redisClient != nil {
		val, err := uc.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			var l lead.Lead
			if err := json.Unmarshal([]byte(val), &l); err == nil {
				return &l, nil
			}
		}
	}

	l, err := uc.leads.GetByEventKey(ctx, eventKey)
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}

	if uc.redisClient != nil {
		data, _ := json.Marshal(l)
		// TTL kept short so a delivery flip shows up quickly
		uc.redisClient.Set(ctx, cacheKey, data, 5*time.Second)
	}

	return l, nil
}
