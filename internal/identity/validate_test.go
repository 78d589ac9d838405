package identity

import (
	"testing"

	"github.com/fathomhq/fathom/internal/sources"
)

func src(url, content string) sources.Source {
	return sources.Source{Title: "t", URL: url, Content: content}
}

func TestValidatePrimaryStrong(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)

	// Three agreeing sources, two from authoritative registries.
	srcs := []sources.Source{
		src("https://www.equasis.org/ship/1", "Ever Given IMO 9811000"),
		src("https://www.marinetraffic.com/vessel/2", "vessel IMO 9811000 position"),
		src("https://gcaptain.com/story", "the ship IMO 9811000 refloated"),
	}
	got := v.Validate("Ever Given IMO 9811000", srcs, "")

	if got.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", got.Confidence)
	}
	if !got.IsMatch {
		t.Error("expected IsMatch with strong primary evidence")
	}
	if !got.MatchedBy[KindIMO] {
		t.Error("expected IMO in MatchedBy")
	}
}

func TestValidatePrimaryMultiple(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://blog.example.com/a", "IMO 9811000 mentioned"),
		src("https://news.example.com/b", "IMO 9811000 again"),
	}
	got := v.Validate("IMO 9811000", srcs, "")
	if got.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", got.Confidence)
	}
	if !got.IsMatch {
		t.Error("0.85 should clear the 0.70 cutoff")
	}
}

func TestValidateSecondarySingle(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://blog.example.com/a", "station MMSI 353136000 reported"),
	}
	got := v.Validate("vessel MMSI 353136000", srcs, "")
	if got.Confidence != 0.55 {
		t.Errorf("confidence = %v, want 0.55 for single non-authoritative secondary", got.Confidence)
	}
	if got.IsMatch {
		t.Error("0.55 must not clear the 0.70 cutoff")
	}
}

func TestValidateNoTargetIdentifiers(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{src("https://example.com/a", "some content")}
	got := v.Validate("what about cargo routes", srcs, "")

	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0 when nothing extracted", got.Confidence)
	}
	if got.IsMatch {
		t.Error("no extraction must be a non-match")
	}
	if len(got.FilteredSources) != 1 {
		t.Errorf("original sources must be preserved, got %d", len(got.FilteredSources))
	}
}

func TestValidateFilteredSourcesFallback(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://a.example.com/1", "unrelated vessel IMO 1111111"),
		src("https://b.example.com/2", "nothing relevant"),
	}
	got := v.Validate("IMO 9811000", srcs, "")

	if got.IsMatch {
		t.Error("no source matched; expected non-match")
	}
	// Nothing matched, so the full set survives rather than an empty one.
	if len(got.FilteredSources) != 2 {
		t.Errorf("FilteredSources = %d, want original 2", len(got.FilteredSources))
	}
}

func TestValidateFiltersToMatching(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://www.equasis.org/1", "Ever Given IMO 9811000"),
		src("https://other.example.com/2", "a different ship IMO 2222222"),
	}
	got := v.Validate("IMO 9811000", srcs, "")
	if len(got.FilteredSources) != 1 {
		t.Fatalf("FilteredSources = %d, want 1", len(got.FilteredSources))
	}
	if got.FilteredSources[0].URL != "https://www.equasis.org/1" {
		t.Errorf("kept the wrong source: %q", got.FilteredSources[0].URL)
	}
}

func TestValidateAnswerCountsOnce(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://blog.example.com/a", "IMO 9811000"),
	}
	// Source + answer = two matches -> PrimaryMultiple.
	got := v.Validate("IMO 9811000", srcs, "The vessel with IMO 9811000 is a container ship.")
	if got.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85 with answer as extra evidence", got.Confidence)
	}
}

func TestValidateNameOnly(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://a.example.com/1", `the "Ever Given" under tow`),
		src("https://b.example.com/2", "MV Ever Given arrived"),
	}
	got := v.Validate(`"Ever Given" grounding`, srcs, "")
	if got.Confidence != 0.65 {
		t.Errorf("confidence = %v, want 0.65 for multiple name matches", got.Confidence)
	}
	if got.IsMatch {
		t.Error("name-only evidence must not clear the cutoff")
	}
}

func TestValidateStrongerRuleWins(t *testing.T) {
	v := NewValidator(DefaultThresholds(), nil)
	srcs := []sources.Source{
		src("https://www.equasis.org/1", `"Ever Given" IMO 9811000`),
	}
	got := v.Validate(`"Ever Given" IMO 9811000`, srcs, "")
	// Single authoritative primary (0.70) beats single name (0.55).
	if got.Confidence != 0.70 {
		t.Errorf("confidence = %v, want 0.70", got.Confidence)
	}
	if !got.IsMatch {
		t.Error("0.70 meets the cutoff")
	}
}
