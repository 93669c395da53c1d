package engine_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
)

type step struct {
	id resources.ItemID
}

func (s step) ID() resources.ItemID          { return s.id }
func (s step) BorrowsDyn() access.TypeIDs    { return access.TypeIDs{} }
func (s step) BorrowMutsDyn() access.TypeIDs { return access.TypeIDs{} }

// Example_levels shows the waves a deployment runs in: the database first,
// then its migrations, then the app and its cache together.
func Example_levels() {
	g := engine.NewGraph[step]()
	for _, id := range []resources.ItemID{"database", "migrations", "app", "cache"} {
		if err := g.AddItem(step{id: id}); err != nil {
			fmt.Println(err)
			return
		}
	}
	_ = g.AddEdge("database", "migrations")
	_ = g.AddEdge("migrations", "app")
	_ = g.AddEdge("database", "cache")

	for level, ids := range g.Levels() {
		fmt.Printf("Level %d: %v\n", level, ids)
	}

	// Output:
	// Level 0: [database]
	// Level 1: [migrations cache]
	// Level 2: [app]
}

// ExampleForEachConcurrent shows that a failed item stops its descendants
// while other branches carry on.
func ExampleForEachConcurrent() {
	g := engine.NewGraph[step]()
	for _, id := range []resources.ItemID{"database", "migrations", "app", "cache"} {
		_ = g.AddItem(step{id: id})
	}
	_ = g.AddEdge("database", "migrations")
	_ = g.AddEdge("migrations", "app")
	_ = g.AddEdge("database", "cache")

	var mu sync.Mutex
	ran := make(map[resources.ItemID]bool)
	result := engine.ForEachConcurrent(context.Background(), g, engine.StreamOptions{Limit: 2},
		func(ctx context.Context, s step) error {
			mu.Lock()
			ran[s.id] = true
			mu.Unlock()
			if s.id == "migrations" {
				return engine.NewPermanentError("schema conflict", nil)
			}
			return nil
		})

	fmt.Println("cache ran:", ran["cache"])
	fmt.Println("app ran:", ran["app"])
	fmt.Println("failed:", len(result.Errors))
	fmt.Println("not processed:", result.Outcome.ItemIDsNotProcessed)

	// Output:
	// cache ran: true
	// app ran: false
	// failed: 1
	// not processed: [app]
}
