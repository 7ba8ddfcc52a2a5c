// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"
)

type (
	// pivotIterator walks a table in ascending id batches so callers never hold a cursor open while processing rows.
	pivotIterator[T any] struct {
		fetch   func(ctx context.Context, pivot int64) ([]T, error)
		pivotOf func(T) int64
	}
)

func (it *pivotIterator[T]) scanBatch(ctx context.Context, yield func(T, error) bool, pivot int64) (newPivot int64, stop bool) {
	batch, err := it.fetch(ctx, pivot)
	if err != nil {
		yield(*new(T), errors.Wrap(err, "failed to fetch batch"))

		return pivot, true
	}
	newPivot = pivot
	for _, item := range batch {
		if ctx.Err() != nil {
			return newPivot, true
		}
		if p := it.pivotOf(item); p > newPivot {
			newPivot = p
		}
		if !yield(item, nil) {
			return newPivot, true
		}
	}

	return newPivot, false
}

func (it *pivotIterator[T]) Seq(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var pivot int64
		for ctx.Err() == nil {
			newPivot, stop := it.scanBatch(ctx, yield, pivot)
			if stop || newPivot == pivot {
				return
			}
			pivot = newPivot
		}
		if err := ctx.Err(); err != nil {
			yield(*new(T), err)
		}
	}
}
