package bundle

import (
	"fmt"
	"strings"

	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/formats"
)

// PlanEntryNames decides every archive entry name before any network I/O so
// the result depends only on the descriptor list, never on fetch completion
// order. Collisions on the derived base name get a _<n> suffix, counted in
// input order; a suffixed name that is itself taken (an input named like
// "photo_1" next to colliding "photo"s) keeps bumping n until unique.
func PlanEntryNames(descs []entities.ConversionDescriptor) []string {
	names := make([]string, len(descs))
	counts := make(map[string]int, len(descs))
	used := make(map[string]struct{}, len(descs))

	for i, d := range descs {
		base := formats.BaseName(d.DisplayName)
		if base == "" {
			base = fmt.Sprintf("file_%d", i+1)
		}
		ext := strings.ToLower(d.TargetFormat)

		name := base + "." + ext
		for n := counts[base]; ; n++ {
			if n > 0 {
				name = fmt.Sprintf("%s_%d.%s", base, n, ext)
			}
			if _, taken := used[name]; !taken {
				counts[base] = n + 1
				break
			}
		}
		used[name] = struct{}{}
		names[i] = name
	}

	return names
}
