package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(HealthChange(time.Unix(0, 0), "http://worker-1", fleet.StateHealthy, fleet.StateCircuitOpen, ""))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that counts circuit openings.
func ExampleSink() {
	var opened int
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Kind == KindHealthChange && evt.To == fleet.StateCircuitOpen {
				opened++
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(HealthChange(time.Unix(0, 0), "http://worker-2", fleet.StateDegraded, fleet.StateCircuitOpen, "3 failures"))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("circuits opened: %d\n", opened)
	// Output:
	// circuits opened: 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
