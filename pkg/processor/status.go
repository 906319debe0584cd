package processor

import "fmt"

// Status is the readiness state a processor reports from Prepare.
type Status int

const (
	// StatusNeedsMoreInput means the processor waits for data on an input port.
	StatusNeedsMoreInput Status = iota
	// StatusOutputIsFull means the processor waits for a consumer to pull.
	StatusOutputIsFull
	// StatusHasReadyWork means Work may be called.
	StatusHasReadyWork
	// StatusWaitingOnAsync means the processor waits on an external operation
	// and is re-polled only after its wake token is signaled.
	StatusWaitingOnAsync
	// StatusWantsToExpandGraph asks the scheduler to call Expand.
	StatusWantsToExpandGraph
	// StatusFinished is terminal.
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusNeedsMoreInput:
		return "NeedsMoreInput"
	case StatusOutputIsFull:
		return "OutputIsFull"
	case StatusHasReadyWork:
		return "HasReadyWork"
	case StatusWaitingOnAsync:
		return "WaitingOnAsync"
	case StatusWantsToExpandGraph:
		return "WantsToExpandGraph"
	case StatusFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
