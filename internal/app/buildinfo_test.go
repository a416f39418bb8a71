package app

import "testing"

func setBuildInfo(t *testing.T, version, date string) {
	t.Helper()

	prevVersion, prevDate := Version, BuildDate
	t.Cleanup(func() {
		Version, BuildDate = prevVersion, prevDate
	})
	Version, BuildDate = version, date
}

func TestBuildVersionPrefersLinkerValue(t *testing.T) {
	setBuildInfo(t, " 1.2.3 ", "")
	if got := BuildVersion(); got != "1.2.3" {
		t.Fatalf("expected trimmed ldflags version, got %q", got)
	}

	Version = ""
	if got := BuildVersion(); got == "" {
		t.Fatalf("version must fall back to build info or dev")
	}
}

func TestBuildDateYMDFormats(t *testing.T) {
	cases := map[string]string{
		"":                          "",
		"2026-01-30T14:55:03Z":      "2026-01-30",
		"2026-01-30T23:30:00-05:00": "2026-01-31",
		"2026-01-30_build7":         "2026-01-30",
		"nightly":                   "nightly",
	}

	for in, want := range cases {
		setBuildInfo(t, "dev", in)
		if got := BuildDateYMD(); got != want {
			t.Fatalf("BuildDateYMD(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUserAgentCarriesVersionAndDate(t *testing.T) {
	setBuildInfo(t, "0.1.2", "2026-01-30T14:55:03Z")
	if got := UserAgent(); got != "tempctl/0.1.2 (2026-01-30)" {
		t.Fatalf("unexpected user agent %q", got)
	}

	BuildDate = ""
	if got := UserAgent(); got != "tempctl/0.1.2" {
		t.Fatalf("unexpected user agent without date %q", got)
	}
}
