package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"raw presence", RawPresenceTopic("study"), "automation/raw/presence/study"},
		{"occupancy context", OccupancyContextTopic("study"), "automation/context/occupancy/study"},
		{"light command", LightCommandTopic("study"), "automation/command/light/study"},
		{"energy context", EnergyContextTopic("study"), "automation/context/energy/study"},
		{"availability", AvailabilityTopic("presence-agent"), "automation/status/presence-agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestLocationFromTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    string
		wantErr bool
	}{
		{"automation/raw/presence/living_room", "living_room", false},
		{"automation/raw/presence/", "", true},
		{"automation/raw/presence", "", true},
		{"automation/raw/presence/a/b", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := LocationFromTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.topic)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
