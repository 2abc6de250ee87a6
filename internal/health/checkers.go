package health

import (
	"context"
	"fmt"
)

// Pinger is anything with a Ping method; *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker that pings the database pool.
func Database(db Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}

// EngineHealth is implemented by the engine managers.
type EngineHealth interface {
	// Active returns the running variant's ID and model, empty when idle.
	Active() (variantID, model string)

	// Health checks the running engine.
	Health(ctx context.Context) error
}

// Engines returns a checker over the engine managers. An idle manager is
// healthy — engines run on demand; only a running engine that fails its
// health check marks the system not ready.
func Engines(managers ...EngineHealth) Checker {
	return Checker{
		Name: "engines",
		Check: func(ctx context.Context) error {
			for _, m := range managers {
				id, _ := m.Active()
				if id == "" {
					continue
				}
				if err := m.Health(ctx); err != nil {
					return fmt.Errorf("engine %s: %w", id, err)
				}
			}
			return nil
		},
	}
}
