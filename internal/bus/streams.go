package bus

import (
	"context"

	"github.com/scanwright/scanorch/internal/model"
)

// Streams bundles the two broadcast channels named in §4.7: the internal
// job-event stream (every queue lifecycle event) and the public
// domain-event stream (FolderDiscovered..Indexed plus scan lifecycle
// frames). Components that need both hold a *Streams rather than two
// independent *Bus values, so wiring stays a single field everywhere.
type Streams struct {
	Jobs   *Bus
	Domain *Bus
}

// NewStreams constructs the two independent buses.
func NewStreams() *Streams {
	return &Streams{
		Jobs:   New("job_events"),
		Domain: New("domain_events"),
	}
}

// PublishJob and PublishDomain let callers hold a single *Streams value
// and satisfy the dispatcher's Publisher port without importing *Bus
// directly.
func (s *Streams) PublishJob(ctx context.Context, ev model.Event) model.Event {
	return s.Jobs.Publish(ctx, ev)
}

func (s *Streams) PublishDomain(ctx context.Context, ev model.Event) model.Event {
	return s.Domain.Publish(ctx, ev)
}
