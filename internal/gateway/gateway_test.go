package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/windeal/internal/domain/payment"
)

func ptr[T any](v T) *T { return &v }

func TestRouter(t *testing.T) {
	ctx := context.Background()
	amount := decimal.RequireFromString("22.50")

	t.Run("cash", func(t *testing.T) {
		r := NewRouter(NewCash(nil), nil)
		ch, err := r.Charge(ctx, payment.ChargeRequest{Amount: amount, Method: payment.MethodCash})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ch.Reference, cashPrefix))
		assert.True(t, ch.Amount.Equal(amount))

		require.NoError(t, r.Refund(ctx, ch.Reference, decimal.RequireFromString("4.50")))
	})

	t.Run("online not configured", func(t *testing.T) {
		r := NewRouter(NewCash(nil), nil)
		_, err := r.Charge(ctx, payment.ChargeRequest{Amount: amount, Method: payment.MethodOnline})
		require.ErrorIs(t, err, payment.ErrUnsupportedMethod)

		err = r.Refund(ctx, "chrg_test_1", amount)
		require.ErrorIs(t, err, payment.ErrUnsupportedMethod)
	})

	t.Run("unknown method", func(t *testing.T) {
		r := NewRouter(NewCash(nil), nil)
		_, err := r.Charge(ctx, payment.ChargeRequest{Amount: amount, Method: "barter"})
		require.ErrorIs(t, err, payment.ErrUnsupportedMethod)
	})
}

func TestCash_RejectsNonPositive(t *testing.T) {
	_, err := NewCash(nil).Charge(context.Background(), payment.ChargeRequest{Amount: decimal.Zero})
	require.ErrorIs(t, err, payment.ErrPaymentDeclined)
}

func TestOmise_Charge(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		token    string
		charge   *omise.Charge
		err      error
		wantErr  error
		wantCode string
		wantRef  string
	}{
		{
			name:    "successful card charge",
			token:   "tokn_test_1",
			charge:  &omise.Charge{Base: omise.Base{ID: "chrg_test_1"}, Status: "successful"},
			wantRef: "chrg_test_1",
		},
		{
			name:  "failed charge carries gateway reason",
			token: "tokn_test_1",
			charge: &omise.Charge{
				Base:           omise.Base{ID: "chrg_test_2"},
				Status:         "failed",
				FailureCode:    ptr("insufficient_fund"),
				FailureMessage: ptr("insufficient funds in the account"),
			},
			wantErr:  payment.ErrPaymentDeclined,
			wantCode: "insufficient_fund",
		},
		{
			name:     "pending charge is not captured",
			token:    "src_test_1",
			charge:   &omise.Charge{Base: omise.Base{ID: "chrg_test_3"}, Status: "pending"},
			wantErr:  payment.ErrPaymentDeclined,
			wantCode: "pending",
		},
		{
			name:     "api rejects request",
			token:    "tokn_test_1",
			err:      &omise.Error{StatusCode: 400, Code: "invalid_card", Message: "card is invalid"},
			wantErr:  payment.ErrPaymentDeclined,
			wantCode: "invalid_card",
		},
		{
			name:    "api server error",
			token:   "tokn_test_1",
			err:     &omise.Error{StatusCode: 503, Code: "service_unavailable"},
			wantErr: payment.ErrGatewayUnavailable,
		},
		{
			name:    "network error",
			token:   "tokn_test_1",
			err:     errors.New("connection reset"),
			wantErr: payment.ErrGatewayUnavailable,
		},
		{
			name:     "missing token",
			wantErr:  payment.ErrPaymentDeclined,
			wantCode: "missing_token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent *operations.CreateCharge
			o := &Omise{createCharge: func(op *operations.CreateCharge) (*omise.Charge, error) {
				sent = op
				return tt.charge, tt.err
			}}

			ch, err := o.Charge(ctx, payment.ChargeRequest{
				Amount:   decimal.RequireFromString("22.50"),
				Currency: "THB",
				Method:   payment.MethodOnline,
				Token:    tt.token,
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if tt.wantCode != "" {
					var de *payment.DeclinedError
					require.True(t, errors.As(err, &de))
					assert.Equal(t, tt.wantCode, de.Code)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, ch.Reference)
			require.NotNil(t, sent)
			assert.Equal(t, int64(2250), sent.Amount)
			assert.Equal(t, "tokn_test_1", sent.Card)
			assert.Empty(t, sent.Source)
		})
	}
}

func TestOmise_ChargeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	o := &Omise{createCharge: func(*operations.CreateCharge) (*omise.Charge, error) {
		<-release
		return nil, errors.New("too late")
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Charge(ctx, payment.ChargeRequest{Amount: decimal.NewFromInt(1), Token: "tokn_test_1"})
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
}

func TestOmise_LateCaptureIsRefunded(t *testing.T) {
	var (
		mu       sync.Mutex
		refunded *operations.CreateRefund
	)
	o := &Omise{
		createCharge: func(*operations.CreateCharge) (*omise.Charge, error) {
			time.Sleep(100 * time.Millisecond)
			return &omise.Charge{Base: omise.Base{ID: "chrg_test_late"}, Status: "successful"}, nil
		},
		createRefund: func(op *operations.CreateRefund) (*omise.Refund, error) {
			mu.Lock()
			defer mu.Unlock()
			refunded = op
			return &omise.Refund{}, nil
		},
		lateWait: time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Charge(ctx, payment.ChargeRequest{Amount: decimal.RequireFromString("22.50"), Token: "tokn_test_1"})
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)

	NewRouter(nil, o).Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, refunded)
	assert.Equal(t, "chrg_test_late", refunded.ChargeID)
	assert.Equal(t, int64(2250), refunded.Amount)
}

func TestOmise_LateFailureIsNotRefunded(t *testing.T) {
	refunds := 0
	o := &Omise{
		createCharge: func(*operations.CreateCharge) (*omise.Charge, error) {
			time.Sleep(50 * time.Millisecond)
			return &omise.Charge{Base: omise.Base{ID: "chrg_test_failed"}, Status: "failed"}, nil
		},
		createRefund: func(*operations.CreateRefund) (*omise.Refund, error) {
			refunds++
			return &omise.Refund{}, nil
		},
		lateWait: time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := o.Charge(ctx, payment.ChargeRequest{Amount: decimal.NewFromInt(1), Token: "tokn_test_1"})
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)

	o.Wait()
	assert.Zero(t, refunds)
}

func TestOmise_Refund(t *testing.T) {
	var sent *operations.CreateRefund
	o := &Omise{createRefund: func(op *operations.CreateRefund) (*omise.Refund, error) {
		sent = op
		return &omise.Refund{}, nil
	}}

	require.NoError(t, o.Refund(context.Background(), "chrg_test_1", decimal.RequireFromString("4.505")))
	require.NotNil(t, sent)
	assert.Equal(t, "chrg_test_1", sent.ChargeID)
	assert.Equal(t, int64(451), sent.Amount)
}
