package main

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
)

// multiFlag collects repeated flag values.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// expandMultiFlags rewrites "--input a b c" into "-input a -input b
// -input c" so that shell wildcards expand naturally. Collection stops
// at the next flag argument.
func expandMultiFlags(args []string, names ...string) []string {
	isMulti := func(arg string) (string, bool) {
		trimmed := strings.TrimLeft(arg, "-")
		for _, n := range names {
			if trimmed == n {
				return "-" + n, true
			}
		}
		return "", false
	}
	var out []string
	for i := 0; i < len(args); i++ {
		flagName, ok := isMulti(args[i])
		if !ok {
			out = append(out, args[i])
			continue
		}
		for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			out = append(out, flagName, args[i+1])
			i++
		}
	}
	return out
}

// parseSize parses a byte count with an optional K/M/G suffix. A bare
// number may be decimal or hex.
func parseSize(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	multiplier := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		multiplier = 1 << 10
		v = v[:len(v)-1]
	case 'm', 'M':
		multiplier = 1 << 20
		v = v[:len(v)-1]
	case 'g', 'G':
		multiplier = 1 << 30
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, xerrors.Errorf("size %q: %w: %v", v, aff4.ErrInvalidInput, err)
	}
	return n * multiplier, nil
}
