package paths

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"literal dir", "DICOM", "DICOM", true},
		{"literal mismatch", "DICOM", "dicom", false},
		{"star suffix", "raw*", "raw_2024", true},
		{"star does not cross segments", "raw*", "raw/1", false},
		{"question mark", "ses?", "ses1", true},
		{"question mark too long", "ses?", "ses12", false},
		{"class", "acq[0-9]", "acq7", true},
		{"class no match", "acq[0-9]", "acqx", false},
		{"nested literal", "lab/P1", "lab/P1", true},
		{"leading double star", "**/DICOM", "lab/P1/S1/DICOM", true},
		{"double star zero segments", "lab/**/DICOM", "lab/DICOM", true},
		{"double star many segments", "lab/**/DICOM", "lab/P1/S1/ses1/DICOM", true},
		{"double star then wildcard", "**/*.dcm", "a/b/img1.dcm", true},
		{"double star no match", "lab/**/DICOM", "lab/P1/NIFTI", false},
		{"trailing double star", "lab/**", "lab/P1/S1", true},
		{"only double star matches empty", "**", "", true},
		{"empty pattern empty path", "", "", true},
		{"pattern against empty path", "raw*", "", false},
		{"malformed pattern", "acq[", "acq[", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchGlob(tt.pattern, tt.path); got != tt.want {
				t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestIsGlobPattern(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"raw*", true},
		{"ses?", true},
		{"acq[0-9]", true},
		{"**/DICOM", true},
		{"DICOM", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsGlobPattern(tt.input); got != tt.want {
			t.Errorf("IsGlobPattern(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidateGlob(t *testing.T) {
	if err := ValidateGlob("lab/**/acq[0-9]"); err != nil {
		t.Errorf("ValidateGlob() unexpected error: %v", err)
	}
	if err := ValidateGlob("acq["); err == nil {
		t.Error("ValidateGlob() expected error for unterminated class")
	}
}

func BenchmarkMatchGlob(b *testing.B) {
	benchmarks := []struct {
		name    string
		pattern string
		path    string
	}{
		{"simple", "raw*", "raw_2024"},
		{"double star deep path", "**/DICOM", "a/b/c/d/e/f/g/DICOM"},
		{"complex", "a/**/c/**/*.dcm", "a/b/c/d/e/img.dcm"},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				MatchGlob(bm.pattern, bm.path)
			}
		})
	}
}
