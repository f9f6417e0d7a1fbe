package weights

import (
	"fmt"
	"sort"
	"strings"
)

// Report accounts for every slot LoadStageWeights touched: which canonical
// names were loaded, which were missing from the provider, which were
// found but failed the assignment policy, and which were skipped outright
// (a vision slot when load_vision is false). UsedKeys records every
// external key the loader actually consumed, so diff_unused_keys can flag
// checkpoint entries nothing asked for.
type Report struct {
	Loaded     []string
	Missing    []string
	Mismatched []string
	Skipped    []string
	UsedKeys   map[string]bool
	TotalKeys  int
}

// dedupeMissingAgainstLoaded drops any Missing entry that also appears in
// Loaded, which happens when the generic per-leaf walk fails to find a
// per-expert key but the fused-expert fallback pass later fills it in.
func (r *Report) dedupeMissingAgainstLoaded() {
	loaded := make(map[string]bool, len(r.Loaded))
	for _, k := range r.Loaded {
		loaded[k] = true
	}
	kept := r.Missing[:0]
	for _, k := range r.Missing {
		if !loaded[k] {
			kept = append(kept, k)
		}
	}
	r.Missing = kept
}

// DiffUnusedKeys returns every key loader.ListKeys() exposes that UsedKeys
// never consumed, the checkpoint-side counterpart of Missing.
func (r *Report) DiffUnusedKeys(loader Loader) []string {
	var unused []string
	for _, k := range loader.ListKeys() {
		if !r.UsedKeys[k] {
			unused = append(unused, k)
		}
	}
	sort.Strings(unused)
	return unused
}

// Summary renders a short human-readable line for operator logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("loaded=%d missing=%d mismatched=%d skipped=%d used_keys=%d/%d",
		len(r.Loaded), len(r.Missing), len(r.Mismatched), len(r.Skipped), len(r.UsedKeys), r.TotalKeys)
}

func (r *Report) String() string {
	var b strings.Builder
	b.WriteString(r.Summary())
	if len(r.Missing) > 0 {
		b.WriteString("\nmissing: " + strings.Join(r.Missing, ", "))
	}
	if len(r.Mismatched) > 0 {
		b.WriteString("\nmismatched: " + strings.Join(r.Mismatched, ", "))
	}
	return b.String()
}
