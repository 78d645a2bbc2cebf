package gateway

import "time"

// ActiveBackend is the in-memory record of one activated backend: which
// proxy tools were registered on its behalf, so deactivate_backend knows
// exactly what to tear down.
type ActiveBackend struct {
	Name        string
	ToolNames   []string
	ActivatedAt time.Time
}
