package tier

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"free", Free, false},
		{"starter", Starter, false},
		{"pro", Pro, false},
		{"enterprise", Enterprise, false},
		{"platinum", "", true},
		{"", "", true},
		{"Free", "", true}, // tier names are lowercase
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOrdering(t *testing.T) {
	order := All()
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("tier %s should rank above %s", order[i], order[i-1])
		}
	}

	if !Pro.AtLeast(Starter) {
		t.Error("pro should be at least starter")
	}
	if !Pro.AtLeast(Pro) {
		t.Error("pro should be at least pro")
	}
	if Free.AtLeast(Enterprise) {
		t.Error("free should not be at least enterprise")
	}
	if Tier("platinum").AtLeast(Free) {
		t.Error("unknown tier should never satisfy AtLeast")
	}
	if got := Tier("platinum").Rank(); got != -1 {
		t.Errorf("Rank() for unknown tier = %d, want -1", got)
	}
}

func TestLimitsAllowsOverage(t *testing.T) {
	if (Limits{Enforce: "hard"}).AllowsOverage() {
		t.Error("hard enforcement should not allow overage")
	}
	if !(Limits{Enforce: "soft"}).AllowsOverage() {
		t.Error("soft enforcement should allow overage")
	}
	if !(Limits{Enforce: "warn"}).AllowsOverage() {
		t.Error("warn enforcement should allow overage")
	}
}
