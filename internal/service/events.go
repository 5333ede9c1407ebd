package service

import (
	"context"
	"errors"

	"tempinbox/backend/internal/storage"
)

// FanOut 将事件依次发布给多个发布器，全部尝试后汇总错误
type FanOut []storage.EventPublisher

// Publish 发布事件
func (f FanOut) Publish(ctx context.Context, event storage.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
