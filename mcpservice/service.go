package mcpservice

import (
	"context"
	"io"
)

// Service is the capability set served to a single session.
type Service interface {
	Tools() []Tool
}

// Factory produces a fresh Service for every session.
type Factory interface {
	NewService(ctx context.Context, sessionID string) (Service, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, sessionID string) (Service, error)

func (f FactoryFunc) NewService(ctx context.Context, sessionID string) (Service, error) {
	return f(ctx, sessionID)
}

// NewService returns a Service exposing a fixed tool list.
func NewService(tools ...Tool) Service {
	return toolSet(tools)
}

type toolSet []Tool

func (s toolSet) Tools() []Tool { return s }

// closeService releases svc when it holds resources.
func closeService(svc Service) error {
	if c, ok := svc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
