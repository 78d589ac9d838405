package identity

import "testing"

func TestExtractIMO(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"labeled", "the vessel IMO 9811000 was detained", "9811000"},
		{"with colon", "IMO: 9321483", "9321483"},
		{"with number word", "IMO number 9321483", "9321483"},
		{"hash separator", "IMO#9321483", "9321483"},
		{"lowercase label", "imo 9321483", "9321483"},
		{"unlabeled digits ignored", "built in 9321483 units", ""},
		{"too short", "IMO 123456", ""},
		{"too long ignored", "IMO 93214839", ""},
		{"absent", "no identifiers here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractIMO(tt.text); got != tt.want {
				t.Errorf("ExtractIMO(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractMMSI(t *testing.T) {
	if got := ExtractMMSI("MMSI 353136000 en route"); got != "353136000" {
		t.Errorf("got %q, want 353136000", got)
	}
	if got := ExtractMMSI("353136000 without label"); got != "" {
		t.Errorf("unlabeled digits matched: %q", got)
	}
}

func TestExtractCallSign(t *testing.T) {
	if got := ExtractCallSign("call sign H3RC assigned"); got != "H3RC" {
		t.Errorf("got %q, want H3RC", got)
	}
	if got := ExtractCallSign("callsign 9HA2329"); got != "9HA2329" {
		t.Errorf("got %q, want 9HA2329", got)
	}
}

func TestExtractName(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"quoted", `the container ship "Ever Given" blocked the canal`, "Ever Given"},
		{"prefixed", "MV Ever Given ran aground", "Ever Given"},
		{"proper pair fallback", "Ever Given ran aground in the canal", "Ever Given"},
		{"nothing", "a large vessel ran aground", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractName(tt.text); got != tt.want {
				t.Errorf("ExtractName(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"MV Ever Given", "ever given"},
		{"EVER  GIVEN", "ever given"},
		{"mt Front Altair", "front altair"},
		{"Ever Given", "ever given"},
	}
	for _, tt := range tests {
		if got := normalizeName(tt.in); got != tt.want {
			t.Errorf("normalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIdentifiersEmpty(t *testing.T) {
	if !(Identifiers{}).Empty() {
		t.Error("zero Identifiers should be empty")
	}
	if (Identifiers{IMO: "9811000"}).Empty() {
		t.Error("Identifiers with IMO should not be empty")
	}
}
