package device

import (
	"sort"

	"talosgateway/pkg/runtime/constant"
)

// bulkRange is a run of contiguous registers of one register type read in one request.
type bulkRange struct {
	registerType constant.RegisterType
	start        uint16
	count        uint16
	names        []string
}

func (m *Model) bulkEligible(def *RegisterDefinition) bool {
	if !def.IsReadable() || len(def.ComposedOf) > 0 || def.ScaleFrom != "" {
		return false
	}
	return !def.RegisterTypeOr(m.RegisterType).IsBit()
}

// bulkRanges groups eligible registers into ranges of at most maxRegs words, split on gaps and
// register type changes. Overlapping registers share a range.
func (m *Model) bulkRanges(maxRegs uint16) []bulkRange {
	type candidate struct {
		name         string
		registerType constant.RegisterType
		start        uint32
		end          uint32
	}
	candidates := make([]candidate, 0, len(m.RegisterMap))
	for name, def := range m.RegisterMap {
		if !m.bulkEligible(def) {
			continue
		}
		candidates = append(candidates, candidate{
			name:         name,
			registerType: def.RegisterTypeOr(m.RegisterType),
			start:        uint32(def.Offset),
			end:          uint32(def.Offset) + uint32(def.Format.Words()),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.registerType != b.registerType {
			return a.registerType < b.registerType
		}
		if a.start != b.start {
			return a.start < b.start
		}
		return a.name < b.name
	})

	ranges := make([]bulkRange, 0)
	var current *bulkRange
	var currentEnd uint32
	for _, c := range candidates {
		end := currentEnd
		if c.end > end {
			end = c.end
		}
		if current == nil || c.registerType != current.registerType || c.start > currentEnd || end-uint32(current.start) > uint32(maxRegs) {
			ranges = append(ranges, bulkRange{registerType: c.registerType, start: uint16(c.start)})
			current = &ranges[len(ranges)-1]
			end = c.end
		}
		currentEnd = end
		current.count = uint16(currentEnd - uint32(current.start))
		current.names = append(current.names, c.name)
	}
	return ranges
}
