package memory

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

func TestProfileStore_MissingProfileYieldsDefaults(t *testing.T) {
	db := setupTestDB(t)
	profiles := NewProfileStore(db, zerolog.Nop())

	profile, err := profiles.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if profile.CommunicationStyle != DefaultCommunicationStyle {
		t.Errorf("style = %q", profile.CommunicationStyle)
	}
	if profile.HumorLevel != DefaultHumorLevel {
		t.Errorf("humor = %q", profile.HumorLevel)
	}
	if profile.CaringFrequency != DefaultCaringFrequency {
		t.Errorf("caring = %q", profile.CaringFrequency)
	}
}

func TestProfileStore_SetUnionDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	profiles := NewProfileStore(db, zerolog.Nop())
	ctx := context.Background()

	if _, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		PreferredTopics: []string{"music", "astronomy"},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	profile, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		PreferredTopics: []string{"astronomy", "  hiking ", ""},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := []string{"music", "astronomy", "hiking"}
	if !reflect.DeepEqual(profile.PreferredTopics, want) {
		t.Fatalf("topics = %v, want %v", profile.PreferredTopics, want)
	}
}

func TestProfileStore_EnumValidation(t *testing.T) {
	db := setupTestDB(t)
	profiles := NewProfileStore(db, zerolog.Nop())
	ctx := context.Background()

	profile, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		HumorLevel:         lo.ToPtr("Frequent"),
		CommunicationStyle: lo.ToPtr("sarcastic"),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if profile.HumorLevel != "frequent" {
		t.Errorf("humor = %q, want case-normalized value", profile.HumorLevel)
	}
	if profile.CommunicationStyle != DefaultCommunicationStyle {
		t.Errorf("style = %q, want unknown value rejected", profile.CommunicationStyle)
	}
}

func TestProfileStore_RelationshipSummaryOverwrites(t *testing.T) {
	db := setupTestDB(t)
	profiles := NewProfileStore(db, zerolog.Nop())
	ctx := context.Background()

	if _, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		RelationshipSummary: lo.ToPtr("Early acquaintance, still formal."),
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	profile, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		RelationshipSummary: lo.ToPtr("Close friends who joke often."),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if profile.RelationshipSummary != "Close friends who joke often." {
		t.Errorf("summary = %q", profile.RelationshipSummary)
	}
	if strings.Contains(profile.RelationshipSummary, "formal") {
		t.Error("old summary text leaked into the new one")
	}

	// A blank summary in a later update leaves the stored one intact.
	profile, err = profiles.Update(ctx, "user-1", ProfileUpdate{
		RelationshipSummary: lo.ToPtr("   "),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if profile.RelationshipSummary != "Close friends who joke often." {
		t.Errorf("summary = %q, want unchanged", profile.RelationshipSummary)
	}
}

func TestProfileStore_LastInteractionTimeStamped(t *testing.T) {
	db := setupTestDB(t)
	profiles := NewProfileStore(db, zerolog.Nop())
	ctx := context.Background()

	first, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		PersonalityTraits: []string{"curious"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if first.LastInteractionTime.IsZero() {
		t.Fatal("LastInteractionTime not stamped")
	}

	second, err := profiles.Update(ctx, "user-1", ProfileUpdate{
		PersonalityTraits: []string{"stubborn"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if second.LastInteractionTime.Before(first.LastInteractionTime) {
		t.Error("LastInteractionTime went backwards")
	}
}

func TestRenderProfileSummary_Placeholder(t *testing.T) {
	summary := RenderProfileSummary(defaultProfile("user-1"))
	if summary != "Profile still learning." {
		t.Fatalf("summary = %q", summary)
	}
}

func TestRenderProfileSummary_NonDefaultFieldsOnly(t *testing.T) {
	profile := defaultProfile("user-1")
	profile.HumorLevel = "frequent"
	profile.PreferredTopics = []string{"music"}
	profile.RelationshipSummary = "Old friends."

	summary := RenderProfileSummary(profile)
	for _, want := range []string{"Humor: frequent", "Preferred topics: music", "Relationship: Old friends."} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if strings.Contains(summary, "Communication style") {
		t.Error("default communication style should be omitted")
	}
}

func TestRenderProfileSummary_CapsDisplayedTerms(t *testing.T) {
	profile := defaultProfile("user-1")
	profile.PreferredTopics = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	summary := RenderProfileSummary(profile)
	if strings.Contains(summary, "a,") || strings.Contains(summary, " b,") {
		t.Errorf("oldest terms should be dropped from display:\n%s", summary)
	}
	if !strings.Contains(summary, "j") {
		t.Errorf("newest term missing:\n%s", summary)
	}
}
