package agent

// Status is the lifecycle status published for a service.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
)

// State drives the Home Assistant binary sensor.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"
)

// ServiceEvent is the retained payload of a service's events topic.
type ServiceEvent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PID         int    `json:"pid"`
	CPIDs       []int  `json:"cpids"`
	Status      Status `json:"status"`
	State       State  `json:"state"`
}

func (e ServiceEvent) clone() ServiceEvent {
	e.CPIDs = append([]int{}, e.CPIDs...)
	return e
}

// PIDStats is the last accepted sample of one process.
type PIDStats struct {
	PID    int     `json:"pid"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// ServiceStats is the rollup published on a service's stats topic. CPU and
// Memory are sums over PIDStats; memory is in MB. Processes counts PIDStats.
type ServiceStats struct {
	Name      string           `json:"name"`
	Host      string           `json:"host"`
	CPU       float64          `json:"cpu"`
	Memory    float64          `json:"memory"`
	Processes int              `json:"processes"`
	PIDStats  map[int]PIDStats `json:"pid_stats"`
}

func (s ServiceStats) clone() ServiceStats {
	pids := make(map[int]PIDStats, len(s.PIDStats))
	for k, v := range s.PIDStats {
		pids[k] = v
	}
	s.PIDStats = pids
	return s
}

// statusFromActive maps systemctl's active field onto the published pair.
func statusFromActive(active string) (Status, State) {
	switch active {
	case "active":
		return StatusRunning, StateOn
	case "inactive":
		return StatusExited, StateOff
	case "failed":
		return StatusFailed, StateOff
	default:
		return StatusExited, StateOff
	}
}
