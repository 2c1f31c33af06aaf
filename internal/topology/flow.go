package topology

// Flow descrive il flusso di esecuzione di una topologia
type Flow struct {
	Mode        Mode     `json:"mode" yaml:"mode"`
	Backends    int      `json:"backends" yaml:"backends"`
	Agents      []string `json:"agents" yaml:"agents"`
	Parallelism int      `json:"parallelism" yaml:"parallelism"`
}

// FlowFor descrive gli agenti e il parallelismo di un modo
func FlowFor(mode Mode, backends int) Flow {
	if mode == ModeAuto || mode == "" {
		mode = ModeFor(backends)
	}

	f := Flow{Mode: mode, Backends: backends, Parallelism: 1}
	switch mode {
	case ModeLinear:
		f.Agents = []string{"reader", "analyst", "archivist"}
	case ModeTriangular:
		f.Agents = []string{"scanner", "extractor", "memory_keeper"}
		f.Parallelism = 3
	case ModeSwarm:
		f.Agents = []string{"reader", "scanner", "analyst", "extractor", "planner", "stylist", "archivist"}
		f.Parallelism = max(backends, 1)
	}
	return f
}

// Flow descrive il flusso del manager
func (m *Manager) Flow() Flow {
	return FlowFor(m.mode, m.backends)
}
