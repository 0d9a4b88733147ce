package version

import (
	"strings"
	"testing"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		in   Info
		want string
	}{
		{name: "bare", in: Info{Version: "v1.2.3"}, want: "v1.2.3"},
		{name: "short commit", in: Info{Version: "dev", Commit: "abc"}, want: "dev+abc"},
		{name: "long commit dirty", in: Info{Version: "dev", Commit: "0123456789abcdef", Dirty: true}, want: "dev+0123456789ab+dirty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetailedNamesBinary(t *testing.T) {
	if got := Detailed(); !strings.HasPrefix(got, "llmrelay ") {
		t.Fatalf("unexpected detailed version: %q", got)
	}
}
