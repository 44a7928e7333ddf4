package api

import (
	"context"
	"fmt"
)

type DependencyChecker interface {
	Check(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies reports the first named dependency that does not answer a ping.
type Dependencies map[string]Pinger

func (d Dependencies) Check(ctx context.Context) error {
	for name, p := range d {
		if p == nil {
			return fmt.Errorf("%s not configured", name)
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s not ready", name)
		}
	}
	return nil
}
