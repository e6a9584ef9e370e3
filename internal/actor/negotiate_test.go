package actor

import "testing"

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name          string
		client        VersionRange
		server        VersionRange
		wantVersion   uint
		wantOK        bool
	}{
		{"overlap", VersionRange{1, 2}, VersionRange{1, 3}, 2, true},
		{"exact", VersionRange{1, 1}, VersionRange{1, 1}, 1, true},
		{"no overlap client ahead", VersionRange{3, 4}, VersionRange{1, 2}, 0, false},
		{"no overlap server ahead", VersionRange{1, 1}, VersionRange{2, 3}, 0, false},
		{"server narrower", VersionRange{1, 5}, VersionRange{2, 2}, 2, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, ok := Negotiate(c.client, c.server)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if ok && v != c.wantVersion {
				t.Fatalf("version = %d, want %d", v, c.wantVersion)
			}
		})
	}
}
