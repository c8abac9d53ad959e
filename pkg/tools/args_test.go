package tools

import (
	"errors"
	"testing"
)

func TestArgsString(t *testing.T) {
	a := Args{"color": "  blue ", "blank": "   "}

	if v, err := a.String("color"); err != nil || v != "blue" {
		t.Errorf("String(color) = %q, %v", v, err)
	}
	for _, name := range []string{"blank", "missing"} {
		if _, err := a.String(name); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("String(%s) err = %v, want ErrInvalidArgument", name, err)
		}
	}
}

func TestArgsBool(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"TRUE", true, false},
		{" false ", false, false},
		{"False", false, false},
		{"yes", false, true},
		{"1", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Args{"Yes": tt.in}.Bool("Yes")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
			if got != tt.want {
				t.Errorf("Bool(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestArgsInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"10", 10, false},
		{" 3 ", 3, false},
		{"-2", -2, false},
		{"2.5", 0, true},
		{"ten", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Args{"reps": tt.in}.Int("reps")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Int(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"color": "blue",
		"Yes":   true,
		"reps":  float64(12),
		"ratio": 0.5,
		"skip":  nil,
	})

	want := Args{"color": "blue", "Yes": "true", "reps": "12", "ratio": "0.5"}
	if len(got) != len(want) {
		t.Fatalf("Flatten = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Flatten[%s] = %q, want %q", k, got[k], v)
		}
	}
}
