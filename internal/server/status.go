package server

import (
	"context"
	"errors"

	"OptionLedger/internal/core"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[string]codes.Code{
	"duplicate":               codes.AlreadyExists,
	"stale_timestamp":         codes.InvalidArgument,
	"empty_batch":             codes.InvalidArgument,
	"invalid_vault_id":        codes.InvalidArgument,
	"invalid_amount":          codes.InvalidArgument,
	"invalid_address":         codes.InvalidArgument,
	"invalid_instrument":      codes.InvalidArgument,
	"invalid_price":           codes.InvalidArgument,
	"unsupported_asset":       codes.InvalidArgument,
	"unsupported_vault_type":  codes.InvalidArgument,
	"collateral_not_allowed":  codes.InvalidArgument,
	"product_not_allowed":     codes.InvalidArgument,
	"unauthorized":            codes.PermissionDenied,
	"vault_not_found":         codes.NotFound,
	"unknown_instrument":      codes.NotFound,
	"invalid_vault_structure": codes.FailedPrecondition,
	"insufficient_collateral": codes.FailedPrecondition,
	"instrument_not_expired":  codes.FailedPrecondition,
	"instrument_expired":      codes.FailedPrecondition,
	"vault_config_conflict":   codes.FailedPrecondition,
	"insufficient_balance":    codes.FailedPrecondition,
	"pool_shortfall":          codes.FailedPrecondition,
	"insufficient_position":   codes.FailedPrecondition,
	"too_many_assets":         codes.FailedPrecondition,
	"price_not_finalized":     codes.Unavailable,
	"arithmetic_overflow":     codes.OutOfRange,
}

// toStatus converts an engine error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, core.ErrRunnerStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}

	code, ok := kindCodes[core.ErrorKind(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func invalidArg(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
