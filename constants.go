package mainmemory

import "github.com/ehrlich-b/mainmemory/internal/constants"

// Re-export defaults for the public API
const (
	DefaultLockSpinLimit = constants.DefaultLockSpinLimit
	DefaultPollSpinLimit = constants.DefaultPollSpinLimit
	DefaultWorkersMin    = constants.DefaultWorkersMin
	DefaultWorkersMax    = constants.DefaultWorkersMax
	DefaultStackPages    = constants.DefaultStackPages
	MaxAsyncArgs         = constants.MaxAsyncArgs
)
