package pathnorm

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"/Users/Dev/Project", "/users/dev/project"},
		{`C:\Code\Project\`, "c:/code/project"},
		{"/p/", "/p"},
		{"/p///", "/p"},
		{"/", "/"},
		{"/P", "/p"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
