package bootstrap

import (
	_ "embed"
	"strings"
)

//go:embed seeds.txt
var seedsFile string

// DefaultSeeds returns the bundled GWebCache list, used whenever the
// endpoint pool runs low.
func DefaultSeeds() []string {
	var seeds []string
	for _, line := range strings.Split(seedsFile, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	return seeds
}
