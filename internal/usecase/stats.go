package usecase

import (
	"context"
	"fmt"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
)

type GetStats struct {
	leads lead.Repository
}

func NewGetStats(leads lead.Repository) *GetStats {
	return &GetStats{leads: leads}
}

func (uc *GetStats) Execute(ctx context.Context) (*lead.Stats, error) {
	stats, err := uc.leads.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("lead stats: %w", err)
	}
	return stats, nil
}
