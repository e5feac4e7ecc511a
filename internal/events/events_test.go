package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

type capture struct {
	subjects []string
	events   []Event
	fail     bool
}

func (c *capture) Publish(_ context.Context, subj string, v any) error {
	if c.fail {
		return errors.New("nats down")
	}
	c.subjects = append(c.subjects, subj)
	c.events = append(c.events, v.(Event))
	return nil
}

func TestPublishFansOutToBothChannels(t *testing.T) {
	pub := &capture{}
	bus := New(pub, zerolog.Nop())

	jobID := uuid.New()
	ownerID := uuid.New()
	bus.Completed(context.Background(), jobID, ownerID, models.AnalysisResult{}, 2)

	if len(pub.subjects) != 2 {
		t.Fatalf("published to %d subjects, want 2", len(pub.subjects))
	}
	if pub.subjects[0] != JobSubject(jobID) || pub.subjects[1] != UserSubject(ownerID) {
		t.Fatalf("subjects = %v", pub.subjects)
	}

	evt := pub.events[0]
	if evt.Kind != KindCompleted || evt.JobID != jobID || evt.Timestamp.IsZero() {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Fields["creditsCharged"] != 2 {
		t.Fatalf("fields = %v", evt.Fields)
	}
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	bus := New(&capture{fail: true}, zerolog.Nop())
	// Must not panic or propagate; the worker never sees bus errors.
	bus.Failed(context.Background(), uuid.New(), uuid.New(), models.JobError{Message: "x"})
}

func TestNilPublisherIsNoOp(t *testing.T) {
	bus := New(nil, zerolog.Nop())
	bus.Processing(context.Background(), uuid.New(), uuid.New(), 10)
	bus.Progress(context.Background(), uuid.New(), uuid.New(), 75)
}
