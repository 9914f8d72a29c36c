package sochen_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/sochen"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/ports"
	"github.com/aretw0/sochen/pkg/router"
)

// ExampleNew runs a workflow against an in-memory engine whose only provider
// is a hand-written orchestrator. Real deployments pass WithModel instead.
func ExampleNew() {
	orchestrator := ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(_ context.Context, s *domain.WorkflowState) (*domain.Delta, error) {
			return &domain.Delta{
				Status:   domain.Ptr(domain.StatusWaitingForHuman),
				Action:   "ask_human",
				Messages: []domain.Message{{Role: router.Bootstrap, Content: "Nothing to do for: " + s.Task}},
			}, nil
		},
	}

	engine, err := sochen.New(sochen.WithCapabilities(orchestrator))
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	ctx := context.Background()
	state, err := engine.Run(ctx, "tidy up", ledger.Init{ID: "example"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(state.Status)

	final, err := engine.Router().Conclude(ctx, state.ID, "fine", false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(final.Status, len(final.History))
	// Output:
	// WAITING_FOR_HUMAN
	// COMPLETED 1
}
