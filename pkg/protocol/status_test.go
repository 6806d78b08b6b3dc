package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStatusPriority(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()

	testCases := []struct {
		name   string
		record PaymentRecord
		want   PaymentStatus
	}{
		{"claimed wins over expiry", PaymentRecord{Claimed: true, ExpiresAt: past}, StatusClaimed},
		{"refunded", PaymentRecord{Refunded: true, ExpiresAt: past}, StatusRefunded},
		{"refunded before expiry", PaymentRecord{Refunded: true, ExpiresAt: future}, StatusRefunded},
		{"expired", PaymentRecord{ExpiresAt: past}, StatusExpired},
		{"pending", PaymentRecord{ExpiresAt: future}, StatusPending},
		{"pending at the exact expiry second", PaymentRecord{ExpiresAt: now.Unix()}, StatusPending},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeStatus(tc.record, now))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusClaimed))
	assert.True(t, IsTerminal(StatusRefunded))
	assert.False(t, IsTerminal(StatusExpired))
	assert.False(t, IsTerminal(StatusPending))
}

func TestPaymentInfoAmountIsDecimalString(t *testing.T) {
	info := PaymentInfo{
		PaymentID: "0x01",
		Status:    StatusPending,
		PaymentRecord: PaymentRecord{
			Amount:    "123456789012345678901234567890",
			ExpiresAt: 1_700_000_000,
		},
	}

	raw, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"amount":"123456789012345678901234567890"`)

	var decoded PaymentInfo
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, info, decoded)
}
