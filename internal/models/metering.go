package models

// Metering accumulates usage counters keyed by service/operation and unit,
// e.g. metering["classification/vertexai/generateContent"]["totalTokens"].
type Metering map[string]map[string]int64

// Merge adds all counters from other into m and returns m. A nil receiver
// yields a fresh map so callers can accumulate with m = m.Merge(x).
func (m Metering) Merge(other Metering) Metering {
	if m == nil {
		m = Metering{}
	}
	for serviceAPI, units := range other {
		dst, ok := m[serviceAPI]
		if !ok {
			dst = map[string]int64{}
			m[serviceAPI] = dst
		}
		for unit, value := range units {
			dst[unit] += value
		}
	}
	return m
}
