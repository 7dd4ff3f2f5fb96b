package reconcile

// State is a stage of the synchronisation state machine
type State int32

const (
	Idle State = iota
	WaitingForBuffer
	FetchingSnapshot
	ValidatingSnapshot
	DrainingStale
	Synced
	Resyncing
	Failed
	Stopped
)

var stateNames = [...]string{
	Idle:               "idle",
	WaitingForBuffer:   "waiting_for_buffer",
	FetchingSnapshot:   "fetching_snapshot",
	ValidatingSnapshot: "validating_snapshot",
	DrainingStale:      "draining_stale",
	Synced:             "synced",
	Resyncing:          "resyncing",
	Failed:             "failed",
	Stopped:            "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
