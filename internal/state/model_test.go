package state

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBridgeJSONRoundTrip(t *testing.T) {
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := &Bridge{
		Online:     true,
		LogLevel:   LogLevelWarn,
		PermitJoin: true,
		Devices: []*Device{
			{
				ZigbeeID:     "0x01",
				FriendlyName: "Lamp1",
				LastSeen:     &seen,
				Parents: []Link{
					{TargetID: "0x00", LinkQuality: 120, Relationship: RelationshipParent, Depth: ptr(1)},
					{TargetID: "0x02", LinkQuality: 40, Relationship: RelationshipFormerChild},
				},
			},
			{FriendlyName: "Plug"},
		},
	}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	var got Bridge
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if diff := cmp.Diff(want, &got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestDeviceOmitsUnknownLastSeen(t *testing.T) {
	data, err := json.Marshal(&Device{FriendlyName: "Plug"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "last_seen") {
		t.Errorf("unknown last_seen serialized: %s", data)
	}
}

func TestLogLevelUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{in: `"debug"`, want: LogLevelDebug},
		{in: `"warning"`, want: LogLevelWarn},
		{in: `"ERROR"`, want: LogLevelError},
		{in: `"verbose"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var l LogLevel
			err := json.Unmarshal([]byte(tt.in), &l)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && l != tt.want {
				t.Errorf("level = %v, want %v", l, tt.want)
			}
		})
	}
}

func TestParseRelationship(t *testing.T) {
	tests := map[string]Relationship{
		"0":              RelationshipParent,
		"child":          RelationshipChild,
		"2":              RelationshipSibling,
		"previous_child": RelationshipFormerChild,
		"former_child":   RelationshipFormerChild,
		"3":              RelationshipOther,
		"":               RelationshipOther,
	}
	for in, want := range tests {
		if got := ParseRelationship(in); got != want {
			t.Errorf("ParseRelationship(%q) = %v, want %v", in, got, want)
		}
	}
}
