package validate

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Notice is one validation finding. Timestamps are assigned by the journal at
// append time, not here.
type Notice struct {
	Severity string            `json:"severity"`
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

type Counts struct {
	Errors   int `json:"error"`
	Warnings int `json:"warning"`
	Infos    int `json:"info"`
}

func CountBySeverity(notices []Notice) Counts {
	var c Counts
	for _, n := range notices {
		switch n.Severity {
		case SeverityError:
			c.Errors++
		case SeverityWarning:
			c.Warnings++
		default:
			c.Infos++
		}
	}
	return c
}
