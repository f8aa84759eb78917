package payment_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/payment"
)

func TestCanTransitionIsDirectional(t *testing.T) {
	legal := [][2]payment.Status{
		{payment.StatusPending, payment.StatusProcessing},
		{payment.StatusPending, payment.StatusExpired},
		{payment.StatusPending, payment.StatusCancelled},
		{payment.StatusProcessing, payment.StatusSucceeded},
		{payment.StatusProcessing, payment.StatusFailed},
		{payment.StatusFailed, payment.StatusProcessing},
		{payment.StatusSucceeded, payment.StatusRefunded},
		{payment.StatusSucceeded, payment.StatusPartiallyRefunded},
		{payment.StatusPartiallyRefunded, payment.StatusRefunded},
	}
	for _, pair := range legal {
		require.True(t, payment.CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	illegal := [][2]payment.Status{
		{payment.StatusProcessing, payment.StatusPending},
		{payment.StatusSucceeded, payment.StatusProcessing},
		{payment.StatusSucceeded, payment.StatusFailed},
		{payment.StatusRefunded, payment.StatusSucceeded},
		{payment.StatusExpired, payment.StatusPending},
		{payment.StatusPending, payment.StatusSucceeded},
		{payment.StatusPending, payment.StatusPending},
	}
	for _, pair := range illegal {
		require.False(t, payment.CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []payment.Status{payment.StatusExpired, payment.StatusCancelled, payment.StatusRefunded} {
		require.True(t, s.Terminal(), s)
	}
	for _, s := range []payment.Status{payment.StatusPending, payment.StatusProcessing, payment.StatusSucceeded, payment.StatusFailed, payment.StatusPartiallyRefunded} {
		require.False(t, s.Terminal(), s)
	}
}

func TestPathWalksShortestLegalChain(t *testing.T) {
	cases := []struct {
		from, to payment.Status
		want     []payment.Status
	}{
		{payment.StatusPending, payment.StatusPending, nil},
		{payment.StatusPending, payment.StatusProcessing, []payment.Status{payment.StatusProcessing}},
		{payment.StatusPending, payment.StatusSucceeded, []payment.Status{payment.StatusProcessing, payment.StatusSucceeded}},
		{payment.StatusPending, payment.StatusFailed, []payment.Status{payment.StatusProcessing, payment.StatusFailed}},
		{payment.StatusFailed, payment.StatusSucceeded, []payment.Status{payment.StatusProcessing, payment.StatusSucceeded}},
		{payment.StatusSucceeded, payment.StatusRefunded, []payment.Status{payment.StatusRefunded}},
	}
	for _, tc := range cases {
		got, err := payment.Path(tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		require.Equal(t, tc.want, got, "%s -> %s", tc.from, tc.to)
	}

	for _, pair := range [][2]payment.Status{
		{payment.StatusSucceeded, payment.StatusPending},
		{payment.StatusSucceeded, payment.StatusExpired},
		{payment.StatusExpired, payment.StatusSucceeded},
		{payment.StatusRefunded, payment.StatusPartiallyRefunded},
		{payment.StatusCancelled, payment.StatusProcessing},
	} {
		_, err := payment.Path(pair[0], pair[1])
		require.ErrorIs(t, err, payment.ErrIllegalTransition, "%s -> %s", pair[0], pair[1])
	}
}

func TestOutcomeStatusMapping(t *testing.T) {
	require.Equal(t, payment.StatusSucceeded, payment.OutcomeCompleted.Status())
	require.Equal(t, payment.StatusCancelled, payment.OutcomeCanceled.Status())
	require.Equal(t, payment.StatusPartiallyRefunded, payment.OutcomePartiallyRefunded.Status())
	require.Equal(t, payment.StatusPending, payment.Outcome("something_new").Status())
}
