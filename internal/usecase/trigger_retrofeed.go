package usecase

import (
	"context"
	"fmt"
)

// RetrofeedRunner is satisfied by retrofeed.Service.
type RetrofeedRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// TriggerRetrofeed runs one on-demand retrofeed batch.
type TriggerRetrofeed struct {
	runner RetrofeedRunner
}

func NewTriggerRetrofeed(runner RetrofeedRunner) *TriggerRetrofeed {
	return &TriggerRetrofeed{runner: runner}
}

type TriggerRetrofeedResult struct {
	Requeued int `json:"requeued"`
}

func (uc *TriggerRetrofeed) Execute(ctx context.Context) (*TriggerRetrofeedResult, error) {
	n, err := uc.runner.RunOnce(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrofeed batch: %w", err)
	}
	return &TriggerRetrofeedResult{Requeued: n}, nil
}
