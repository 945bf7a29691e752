package inventory

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{name: "go duration string", yaml: `5s`, want: 5 * time.Second},
		{name: "compound duration", yaml: `1m30s`, want: 90 * time.Second},
		{name: "bare integer is seconds", yaml: `30`, want: 30 * time.Second},
		{name: "garbage", yaml: `soon`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.yaml), &d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%q) error = %v, wantErr %v", tt.yaml, err, tt.wantErr)
			}
			if err == nil && d.Std() != tt.want {
				t.Errorf("Unmarshal(%q) = %v, want %v", tt.yaml, d.Std(), tt.want)
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	in := Duration(45 * time.Second)
	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Duration
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip = %v, want %v", out.Std(), in.Std())
	}
}
