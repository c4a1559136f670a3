package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voltgrid/exchange/backend/internal/exchange"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "numbers placeholders in order",
			query: "INSERT INTO listings (pubkey, seller) VALUES (?, ?)",
			want:  "INSERT INTO listings (pubkey, seller) VALUES ($1, $2)",
		},
		{
			name:  "ignores question marks inside string literals",
			query: "SELECT * FROM activity WHERE event_name = '?' AND slot = ?",
			want:  "SELECT * FROM activity WHERE event_name = '?' AND slot = $1",
		},
		{
			name:  "handles escaped quotes inside literals",
			query: "SELECT 'it''s a ?' AS label, ? AS v",
			want:  "SELECT 'it''s a ?' AS label, $1 AS v",
		},
		{
			name:  "passes through queries without placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rebindPostgresPlaceholders(tt.query))
		})
	}
}

func TestEscrowStatus(t *testing.T) {
	assert.Equal(t, "pending", escrowStatus(&exchange.EscrowRecord{}))
	assert.Equal(t, "completed", escrowStatus(&exchange.EscrowRecord{IsCompleted: true}))
	assert.Equal(t, "canceled", escrowStatus(&exchange.EscrowRecord{IsCanceled: true}))
}
