package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is the flattened, JSON-friendly view of the current metric
// values, built from Gather for the status CLI subcommand's --json output.
type Snapshot struct {
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

// TakeSnapshot flattens every metric family/label-combination into a
// single "name{label=value,...}" keyed map, mirroring the flat
// endpoint-keyed counts the status endpoint historically reported.
func (r *Registry) TakeSnapshot() (Snapshot, error) {
	families, err := r.Gather()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Counters: map[string]float64{}, Gauges: map[string]float64{}}
	for _, family := range families {
		name := family.GetName()
		for _, m := range family.GetMetric() {
			key := name + labelSuffix(m.GetLabel())
			switch family.GetType().String() {
			case "COUNTER":
				snap.Counters[key] = m.GetCounter().GetValue()
			case "GAUGE":
				snap.Gauges[key] = m.GetGauge().GetValue()
			}
		}
	}
	return snap, nil
}

func labelSuffix(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	out := "{"
	for i, l := range labels {
		if i > 0 {
			out += ","
		}
		out += l.GetName() + "=" + l.GetValue()
	}
	return out + "}"
}
