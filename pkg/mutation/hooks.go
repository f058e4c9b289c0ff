// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package mutation

import (
	"context"

	"github.com/livetable/livetable/pkg/resource"
)

// Hooks is one set of lifecycle callbacks. Before-hooks may transform the
// payload or abort the mutation by returning an error; after-hooks run
// post-commit and are side-effect-only. Multiple sets form a chain where
// before-hook transforms flow left to right.
type Hooks struct {
	OnBeforeCreate func(ctx context.Context, schema *resource.Schema, record resource.Record) (resource.Record, error)
	OnAfterCreate  func(ctx context.Context, schema *resource.Schema, record resource.Record)

	OnBeforeUpdate func(ctx context.Context, schema *resource.Schema, before, partial resource.Record) (resource.Record, error)
	OnAfterUpdate  func(ctx context.Context, schema *resource.Schema, before, after resource.Record)

	OnBeforeDelete func(ctx context.Context, schema *resource.Schema, before resource.Record) error
	OnAfterDelete  func(ctx context.Context, schema *resource.Schema, before resource.Record)
}

func (p *Pipeline) beforeCreate(ctx context.Context, schema *resource.Schema, record resource.Record) (resource.Record, error) {
	for _, hooks := range p.hooks {
		if hooks.OnBeforeCreate == nil {
			continue
		}
		transformed, err := hooks.OnBeforeCreate(ctx, schema, record)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record = transformed
	}
	return record, nil
}

func (p *Pipeline) afterCreate(ctx context.Context, schema *resource.Schema, record resource.Record) {
	for _, hooks := range p.hooks {
		if hooks.OnAfterCreate != nil {
			hooks.OnAfterCreate(ctx, schema, record)
		}
	}
}

func (p *Pipeline) beforeUpdate(ctx context.Context, schema *resource.Schema, before, partial resource.Record) (resource.Record, error) {
	for _, hooks := range p.hooks {
		if hooks.OnBeforeUpdate == nil {
			continue
		}
		transformed, err := hooks.OnBeforeUpdate(ctx, schema, before, partial)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		partial = transformed
	}
	return partial, nil
}

func (p *Pipeline) afterUpdate(ctx context.Context, schema *resource.Schema, before, after resource.Record) {
	for _, hooks := range p.hooks {
		if hooks.OnAfterUpdate != nil {
			hooks.OnAfterUpdate(ctx, schema, before, after)
		}
	}
}

func (p *Pipeline) beforeDelete(ctx context.Context, schema *resource.Schema, before resource.Record) error {
	for _, hooks := range p.hooks {
		if hooks.OnBeforeDelete == nil {
			continue
		}
		if err := hooks.OnBeforeDelete(ctx, schema, before); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (p *Pipeline) afterDelete(ctx context.Context, schema *resource.Schema, before resource.Record) {
	for _, hooks := range p.hooks {
		if hooks.OnAfterDelete != nil {
			hooks.OnAfterDelete(ctx, schema, before)
		}
	}
}
