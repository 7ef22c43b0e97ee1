package port

import "context"

type txKey struct{}

func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}

// InTx reports whether ctx is bound to an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := TxFromContext(ctx)
	return ok
}
