package perf

// MetricStat is the running aggregation for one metric name.
type MetricStat struct {
	Name  string
	Count int64
	Total float64
	Min   float64
	Max   float64
	Last  float64
}

// Add folds one sample into the stat.
func (s *MetricStat) Add(value float64) {
	if s.Count == 0 {
		s.Min = value
		s.Max = value
	} else {
		if value < s.Min {
			s.Min = value
		}
		if value > s.Max {
			s.Max = value
		}
	}
	s.Count++
	s.Total += value
	s.Last = value
}

// Average is Total/Count, 0 for an empty stat.
func (s *MetricStat) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / float64(s.Count)
}

// Snapshot is the JSON view of a MetricStat for the performance stream and
// the supervisory query surface.
type Snapshot struct {
	Name    string  `json:"name"`
	Unit    string  `json:"unit,omitempty"`
	Count   int64   `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Last    float64 `json:"last"`
}

func (s *MetricStat) snapshot(unit string) Snapshot {
	return Snapshot{
		Name:    s.Name,
		Unit:    unit,
		Count:   s.Count,
		Average: s.Average(),
		Min:     s.Min,
		Max:     s.Max,
		Last:    s.Last,
	}
}
