package sharelinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
)

func TestGormStoreMarkUsedOnlyOnce(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	ctx := context.Background()
	link := ShareLink{
		ID:         "link-cas",
		Token:      "token-cas",
		ClientID:   testClientID,
		DesignerID: testDesignerID,
		ExpiresAt:  t0.Add(time.Hour),
		CreatedAt:  t0,
	}
	if err := fixture.store.CreateLink(ctx, &link); err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	won, err := fixture.store.MarkUsed(ctx, link.ID, "m-1", t0.Add(2*time.Hour))
	if err != nil || !won {
		t.Fatalf("expected first transition to win, got %v %v", won, err)
	}
	won, err = fixture.store.MarkUsed(ctx, link.ID, "m-2", t0.Add(3*time.Hour))
	if err != nil || won {
		t.Fatalf("expected second transition to lose, got %v %v", won, err)
	}

	stored, err := fixture.store.FindByToken(ctx, link.Token)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if *stored.MeasurementID != "m-1" || !stored.UpdateWindowEnd.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("expected first writer to be kept, got %+v", stored)
	}
}

func TestGormStoreLookupsMapMissingRows(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	ctx := context.Background()
	if _, err := fixture.store.FindByToken(ctx, "missing"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected link not found, got %v", err)
	}
	if _, err := fixture.store.FindMeasurement(ctx, "missing"); !errors.Is(err, measurements.ErrMeasurementNotFound) {
		t.Fatalf("expected measurement not found, got %v", err)
	}
}

func TestGormStoreParticipantsFallBackToEmail(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	if err := fixture.db.Exec("UPDATE users SET display_name = '' WHERE id = ?", testDesignerID).Error; err != nil {
		t.Fatalf("failed to clear display name: %v", err)
	}
	participants, err := fixture.store.LoadParticipants(context.Background(), ShareLink{ClientID: testClientID, DesignerID: testDesignerID})
	if err != nil {
		t.Fatalf("load participants failed: %v", err)
	}
	if participants.DesignerName != "designer@example.com" || participants.ClientPhone != "+15551234567" {
		t.Fatalf("unexpected participants %+v", participants)
	}
}

func TestStateDerivation(t *testing.T) {
	windowEnd := t0.Add(2 * time.Hour)
	measurementID := "m"
	unused := ShareLink{ExpiresAt: t0.Add(time.Hour)}
	used := ShareLink{ExpiresAt: t0.Add(time.Hour), MeasurementID: &measurementID, UpdateWindowEnd: &windowEnd}

	cases := []struct {
		name string
		link ShareLink
		at   time.Time
		want string
	}{
		{"unused before expiry", unused, t0, StateUnused},
		{"unused at expiry", unused, t0.Add(time.Hour), StateExpired},
		{"used past creation expiry", used, t0.Add(90 * time.Minute), StateUsed},
		{"used at window end", used, windowEnd, StateExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.link.State(tc.at); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestNewTokenIsURLSafe(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if len(token) != 43 {
		t.Fatalf("expected 43 characters, got %d", len(token))
	}
	for _, r := range token {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			t.Fatalf("unexpected character %q in %s", r, token)
		}
	}
}
