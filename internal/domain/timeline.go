package domain

// Rollout timeline event types
const (
	EventTypeRolloutStart  = "ROLLOUT_START"
	EventTypeProcedureStep = "PROCEDURE_STEP"
	EventTypeNodeResult    = "NODE_RESULT"
	EventTypeRolloutDone   = "ROLLOUT_DONE"
	EventTypeRolloutFailed = "ROLLOUT_FAILED"
)
