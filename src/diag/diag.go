// Package diag dumps buddy-allocator and region-tracker state as a
// pprof profile, the way the teacher's own go.mod pulls in
// github.com/google/pprof/profile for offline analysis even though
// nothing in a from-scratch kernel needs a live pprof HTTP endpoint.
// Each RegionDescriptor becomes one sample, tagged by its Tag, with
// value = committed bytes; the buddy allocator's free pages are reported
// as one more sample of the same type under a "(free)" location, so one
// dump shows both region and free memory.
package diag

import (
	"io"

	"github.com/google/pprof/profile"

	"buddy"
	"vmregion"
)

const pageSize = 4096

// / DumpMemoryProfile writes a pprof profile describing every live
// / region in t and the buddy allocator's current free-page count to w.
func DumpMemoryProfile(w io.Writer, t *vmregion.Tracker, b *buddy.Buddy_t) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "region_bytes", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}

	functions := map[string]*profile.Function{}
	locations := map[string]*profile.Location{}
	var nextID uint64 = 1

	locationFor := func(tag string) *profile.Location {
		if loc, ok := locations[tag]; ok {
			return loc
		}
		fn := &profile.Function{ID: nextID, Name: tag}
		nextID++
		functions[tag] = fn
		p.Function = append(p.Function, fn)

		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn, Line: 1}}}
		nextID++
		locations[tag] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, r := range t.Snapshot() {
		tag := r.Tag
		if tag == "" {
			tag = "(untagged)"
		}
		loc := locationFor(tag)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(r.Pages) * pageSize},
		})
	}

	freeLoc := locationFor("(free)")
	p.Sample = append(p.Sample, &profile.Sample{
		Location: []*profile.Location{freeLoc},
		Value:    []int64{int64(b.FreeCount()) * pageSize},
	})

	return p.Write(w)
}
