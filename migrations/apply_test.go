package migrations

import "testing"

func TestFiles_ordered(t *testing.T) {
	files, err := Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Fatalf("expected embedded migrations, got %v", files)
	}
	var last int64
	for _, f := range files {
		v, err := VersionFromFile(f)
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		if v <= last {
			t.Errorf("%s: version %d not after %d", f, v, last)
		}
		last = v
	}
}

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"001_audit_records.up.sql", 1, false},
		{"042_x.up.sql", 42, false},
		{"init.sql", 0, true},
		{"abc_init.sql", 0, true},
	}
	for _, tc := range tests {
		got, err := VersionFromFile(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("VersionFromFile(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("VersionFromFile(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
