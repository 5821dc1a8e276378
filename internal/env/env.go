// Package env captures details about the aff4 tool environment.
package env

import "os"

// TempDir is where the imager places scratch files: a partial export is
// written there before it is renamed onto the output path.
var TempDir = findTempDir()

func findTempDir() string {
	if env := os.Getenv("AFF4_TMPDIR"); env != "" {
		return env
	}
	return os.TempDir()
}
