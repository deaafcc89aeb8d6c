package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProcessor struct {
	fail map[string]bool
}

func (s stubProcessor) Process(_ context.Context, job Job) Result {
	if s.fail[job.ID] {
		return Result{Job: job, Error: errors.New("boom")}
	}
	return Result{Job: job, Meta: map[string]any{"type": string(job.Type)}}
}

func TestPipelineBroadcastsResultsInOrder(t *testing.T) {
	p := newWithProcessor(context.Background(), nil, nil, stubProcessor{fail: map[string]bool{"b": true}})
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	for _, id := range []string{"a", "b", "c"} {
		if err := p.Submit(Job{ID: id, Type: JobRun}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	want := []string{"a", "b", "c"}
	for k, id := range want {
		select {
		case res := <-results:
			if res.Job.ID != id {
				t.Fatalf("result %d: expected job %s, got %s", k, id, res.Job.ID)
			}
			if (res.Error != nil) != (id == "b") {
				t.Fatalf("job %s: unexpected error state %v", id, res.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %s", id)
		}
	}
}

func TestPipelineStopClosesSubscribers(t *testing.T) {
	p := newWithProcessor(context.Background(), nil, nil, stubProcessor{})
	results, _ := p.Subscribe()
	p.Stop()
	if _, ok := <-results; ok {
		t.Fatalf("expected subscriber channel to be closed")
	}
}
