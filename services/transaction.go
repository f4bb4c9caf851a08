package services

import (
	"context"

	"github.com/upb/careportal-auth/repositories"
)

// WithTransaction runs fn inside a database transaction. Repositories called
// with the context handed to fn join the transaction. It commits when fn
// returns nil and rolls back otherwise. Errors from fn are returned as is;
// a failure to begin or commit is reported as ErrTransactionFailed.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context) error) error {
	_, err := WithTransactionResult(ctx, txMgr, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTransactionResult is WithTransaction for functions that produce a
// value. The zero value is returned whenever the transaction did not commit.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		fnErr  error
	)

	err := txMgr.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		if fnErr != nil {
			return zero, fnErr
		}
		return zero, ErrTransactionFailed.Wrap(err)
	}
	return result, nil
}
