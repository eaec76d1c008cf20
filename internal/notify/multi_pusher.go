package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// MultiPusher fans one notification out to several channels. A channel
// failure does not stop the others; all failures are joined.
type MultiPusher struct {
	pushers []Pusher
}

func NewMultiPusher(pushers ...Pusher) *MultiPusher {
	return &MultiPusher{pushers: pushers}
}

func (m *MultiPusher) Push(ctx context.Context, userID uuid.UUID, category, title, body string) error {
	var errs []error
	for _, p := range m.pushers {
		if err := p.Push(ctx, userID, category, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
