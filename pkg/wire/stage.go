package wire

// Stage identifies a step of the rollout pipeline. The string values are
// what the server sees in progress updates.
type Stage string

const (
	StageValidating Stage = "validating"
	StageFetching   Stage = "fetching"
	StageStopping   Stage = "stopping"
	StageStoring    Stage = "storing"
	StagePulling    Stage = "pulling_images"
	StageStarting   Stage = "starting"
	StageCleaning   Stage = "cleaning_up"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Statuses outside the stage pipeline, used for dispatch-level failures and
// fine-grained pull progress.
const (
	StatusDecodeError     = "decode_error"
	StatusValidationError = "validation_error"
	StatusUnknownAction   = "unknown_action"
	StatusDownloadError   = "download_error"
	StatusPullingService  = "pulling_service"
	StatusLayerComplete   = "layer_complete"
	StatusDownloading     = "downloading"
	StatusExtracting      = "extracting"
	StatusCleanupDone     = "cleanup_complete"
)
