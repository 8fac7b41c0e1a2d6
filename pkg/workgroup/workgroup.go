// Package workgroup runs a set of long-lived workers against a shared
// context and collects the first error among them.
package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type Group struct {
	ctx   context.Context
	group errgroup.Group
}

func WithContext(ctx context.Context) *Group {
	return &Group{ctx: ctx}
}

// Work schedules fn to run with the group's context.
func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until all workers return and yields the first error.
func (g *Group) Wait() error {
	return g.group.Wait()
}
