package detect_test

import (
	"encoding/json"
	"testing"

	"github.com/versecast/versecast/internal/detect"
)

func TestBalanceBrackets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{
			name:   "unterminated object",
			in:     `{"transcript":"t"`,
			want:   `{"transcript":"t"}`,
			wantOK: true,
		},
		{
			name:   "nested object and array",
			in:     `{"matches":[{"reference":"John 3:16"`,
			want:   `{"matches":[{"reference":"John 3:16"}]}`,
			wantOK: true,
		},
		{
			name:   "cut inside a string",
			in:     `{"transcript":"for God so lo`,
			want:   `{"transcript":"for God so lo"}`,
			wantOK: true,
		},
		{
			name:   "cut after escape backslash",
			in:     `{"transcript":"he said \`,
			want:   `{"transcript":"he said \\"}`,
			wantOK: true,
		},
		{
			name:   "already balanced",
			in:     `{"transcript":"t"}`,
			wantOK: false,
		},
		{
			name:   "unmatched closer",
			in:     `{"a":1}}`,
			wantOK: false,
		},
		{
			name:   "mismatched closer",
			in:     `{"a":[1}`,
			wantOK: false,
		},
		{
			name:   "empty input",
			in:     "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := detect.BalanceBrackets(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("BalanceBrackets(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("BalanceBrackets(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if !json.Valid([]byte(got)) {
				t.Errorf("repaired output %q is not valid JSON", got)
			}
		})
	}
}
