package server

import (
	"context"
	"errors"

	"github.com/chunkd-io/chunkd/internal/cluster"
)

// ReadinessChecker is an interface for components that can report their
// readiness. Each dependency of a run implements this to participate in
// /readyz checks.
type ReadinessChecker interface {
	// Name returns the name of the component for display in health status.
	Name() string

	// CheckReady performs a health check and returns nil if the component
	// is ready, or an error describing why it's not.
	CheckReady(ctx context.Context) error
}

// ClusterChecker implements ReadinessChecker for the mongos router the run
// operates through. It verifies the endpoint still answers and still is a
// router.
type ClusterChecker struct {
	client cluster.Client
}

// NewClusterChecker creates a new ClusterChecker.
func NewClusterChecker(client cluster.Client) *ClusterChecker {
	return &ClusterChecker{client: client}
}

// Name returns the name of this component for health status display.
func (c *ClusterChecker) Name() string {
	return "cluster"
}

// CheckReady verifies the router is reachable.
func (c *ClusterChecker) CheckReady(ctx context.Context) error {
	if c.client == nil {
		return errors.New("cluster client not configured")
	}
	return c.client.VerifyRouter(ctx)
}

// FuncChecker is a simple ReadinessChecker that wraps a function.
// Useful for ad-hoc checks or testing.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the name of this component.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
