package connection

// State is the lifecycle state of the shared connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	FailedPermanently
)

var stateNames = [...]string{
	Disconnected:      "disconnected",
	Connecting:        "connecting",
	Open:              "open",
	Reconnecting:      "reconnecting",
	FailedPermanently: "failed_permanently",
}

// StateNames lists every state label, for exclusive gauges.
var StateNames = stateNames[:]

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
