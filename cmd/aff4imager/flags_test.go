package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpandMultiFlags(t *testing.T) {
	t.Parallel()

	got := expandMultiFlags(
		[]string{"--input", "a", "b", "c", "--output", "out.aff4", "-p", "pf1", "pf2"},
		"input", "pagefile", "p")
	want := []string{
		"-input", "a", "-input", "b", "-input", "c",
		"--output", "out.aff4",
		"-p", "pf1", "-p", "pf2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expandMultiFlags (-want +got):\n%s", diff)
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"4k", 4 << 10},
		{"4K", 4 << 10},
		{"100M", 100 << 20},
		{"2G", 2 << 30},
		{"0x10", 16},
	} {
		got, err := parseSize(tt.in)
		if err != nil {
			t.Errorf("parseSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := parseSize("12Q"); err == nil {
		t.Error("parseSize(12Q) succeeded")
	}
}

func TestVolumePathFor(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		n    int
		want string
	}{
		{0, "mem.aff4"},
		{1, "mem.A.aff4"},
		{2, "mem.B.aff4"},
	} {
		if got := volumePathFor("mem.aff4", tt.n); got != tt.want {
			t.Errorf("volumePathFor(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
