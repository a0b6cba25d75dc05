package mimetype

import "testing"

func TestDetect(t *testing.T) {
	r := NewRegistry(nil)
	cases := []struct {
		path         string
		wantMIME     string
		wantEncoding string
	}{
		{"segments.tsv", TSV, ""},
		{"segments.csv", CSV, ""},
		{"segments.tsv.gz", TSV, "gzip"},
		{"segments.csv.GZ", CSV, "gzip"},
		{"segments.unknown", "", ""},
	}
	for _, c := range cases {
		got := r.Detect(c.path)
		if got.MIME != c.wantMIME || got.Encoding != c.wantEncoding {
			t.Errorf("Detect(%q) = %+v, want {%q %q}", c.path, got, c.wantMIME, c.wantEncoding)
		}
	}
}

func TestDetectWithOverrides(t *testing.T) {
	r := NewRegistry(map[string]string{"seg": TSV})
	got := r.Detect("file.seg")
	if got.MIME != TSV {
		t.Errorf("Detect(file.seg) = %+v, want MIME %q", got, TSV)
	}
}

func TestOverride(t *testing.T) {
	r := NewRegistry(nil)
	got := r.Override("segments.tsv.gz", CSV)
	if got.MIME != CSV || got.Encoding != "gzip" {
		t.Errorf("Override = %+v, want {%q gzip}", got, CSV)
	}
}
