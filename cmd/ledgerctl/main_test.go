package main

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/record"
)

func sampleOrders() []order.Order {
	reserved := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	return []order.Order{
		{
			ID:         "11111111-1111-1111-1111-111111111111",
			Deal:       deal.Snapshot{ID: "latte", Title: "Latte", StoreName: "Cafe", NewPrice: decimal.RequireFromString("9.5")},
			ReservedAt: reserved,
			Status:     order.StatusPending,
		},
		{
			ID:          "22222222-2222-2222-2222-222222222222",
			Deal:        deal.Snapshot{ID: "croissant", Title: "Croissant", StoreName: "Cafe", NewPrice: decimal.RequireFromString("12")},
			ReservedAt:  reserved,
			Status:      order.StatusPaid,
			OrderNumber: "#WIN-1234-AB",
			PickupCode:  "ABC123",
		},
	}
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-status", "paid", "-store", "Cafe"})
	require.NoError(t, err)
	assert.Equal(t, order.Filter{Status: order.StatusPaid, StoreName: "Cafe"}, f)

	_, err = parseFilter(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-status", "lost"})
	require.Error(t, err)
}

func TestRenderOrders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderOrders(&buf, sampleOrders()))

	out := buf.String()
	assert.Contains(t, out, "Croissant")
	assert.Contains(t, out, "#WIN-1234-AB")
	assert.Contains(t, out, "9.50")
	assert.Contains(t, out, "12.00")
}

func TestWriteRecords(t *testing.T) {
	orders := sampleOrders()

	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, orders))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		got, err := record.UnmarshalOrder([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, orders[i].ID, got.ID)
		assert.Equal(t, orders[i].Status, got.Status)
	}
}
