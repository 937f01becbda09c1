package db

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/pkg/models"
)

// Store methods need a live Postgres and are covered by the deployment's
// integration suite; these tests cover the pure helpers.

func validParams() LobbyParams {
	return LobbyParams{
		Mode:    models.ModeSolo,
		BuyIn:   1000,
		Payout:  models.PayoutWinnerTakeAll,
		RakeBps: 500,
	}
}

func TestLobbyParamsValidateDefaults(t *testing.T) {
	p := validParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("Expected valid params, got %v", err)
	}
	if p.Capacity != DefaultLobbyCapacity {
		t.Errorf("Expected default capacity %d, got %d", DefaultLobbyCapacity, p.Capacity)
	}
}

func TestLobbyParamsValidateRejections(t *testing.T) {
	cap0 := int64(0)

	cases := []struct {
		name  string
		tweak func(*LobbyParams)
		want  string
	}{
		{"unknown mode", func(p *LobbyParams) { p.Mode = "battle-royale" }, "unknown mode"},
		{"unknown payout", func(p *LobbyParams) { p.Payout = "lottery" }, "unknown payout"},
		{"zero buy-in", func(p *LobbyParams) { p.BuyIn = 0 }, "buy-in must be positive"},
		{"negative buy-in", func(p *LobbyParams) { p.BuyIn = -500 }, "buy-in must be positive"},
		{"negative rake", func(p *LobbyParams) { p.RakeBps = -1 }, "rake bps"},
		{"rake above 10%", func(p *LobbyParams) { p.RakeBps = 1001 }, "rake bps"},
		{"zero rake cap", func(p *LobbyParams) { p.RakeCap = &cap0 }, "rake cap"},
		{"capacity below min", func(p *LobbyParams) { p.Capacity = 1 }, "capacity"},
		{"capacity above max", func(p *LobbyParams) { p.Capacity = 33 }, "capacity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.tweak(&p)
			err := p.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error mentioning %q, got %q", tc.want, err)
			}
		})
	}
}

func TestHistoryCursorRoundTrip(t *testing.T) {
	id := uuid.New()
	at := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)

	// Encoded the way History emits NextCursor.
	cursor := fmt.Sprintf("%d:%s", at.UnixNano(), id)

	gotTime, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("Expected cursor to decode, got %v", err)
	}
	if !gotTime.Equal(at) {
		t.Errorf("Expected time %v, got %v", at, gotTime)
	}
	if gotID != id {
		t.Errorf("Expected id %s, got %s", id, gotID)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{
		"",
		"no-colon-here",
		"abc:" + uuid.New().String(),
		"1717245000000000000:not-a-uuid",
	} {
		if _, _, err := decodeCursor(cursor); err == nil {
			t.Errorf("Expected %q to be rejected", cursor)
		}
	}
}
