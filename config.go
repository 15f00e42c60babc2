package mainmemory

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ehrlich-b/mainmemory/internal/constants"
)

// Recognized option names for ParseOptions.
const (
	OptEventLockSpinLimit = "event-lock-spin-limit"
	OptEventPollSpinLimit = "event-poll-spin-limit"
	OptFiberStackSize     = "fiber.stack-size"
	OptWorkersMin         = "workers.min"
	OptWorkersMax         = "workers.max"
)

// DefaultParams returns dispatch parameters for n listeners with the
// default strand policy.
func DefaultParams(n int) Params {
	return Params{
		Listeners:     n,
		LockSpinLimit: constants.DefaultLockSpinLimit,
		PollSpinLimit: constants.DefaultPollSpinLimit,
		CommonPoller:  -1,
	}
}

// ParseOptions applies recognized string options onto params. Unknown
// names are rejected; collaborators keep their own settings storage.
//
//	event-lock-spin-limit: u32  spins on the poller token before waiting
//	event-poll-spin-limit: u32  zero-timeout polls before halting
//	fiber.stack-size: bytes     default fiber stack, rounded up to pages
//	workers.min: u32            floor on worker fibers per context
//	workers.max: u32            ceiling on worker fibers per context
func ParseOptions(params *Params, options map[string]string) error {
	pageSize := os.Getpagesize()

	strandAll := func(apply func(*StrandParams)) {
		if len(params.Strands) < params.Listeners {
			grown := make([]StrandParams, params.Listeners)
			copy(grown, params.Strands)
			params.Strands = grown
		}
		for i := range params.Strands {
			apply(&params.Strands[i])
		}
	}

	for name, value := range options {
		switch name {
		case OptEventLockSpinLimit:
			v, err := parseU32(name, value)
			if err != nil {
				return err
			}
			params.LockSpinLimit = v

		case OptEventPollSpinLimit:
			v, err := parseU32(name, value)
			if err != nil {
				return err
			}
			params.PollSpinLimit = v

		case OptFiberStackSize:
			bytes, err := strconv.Atoi(value)
			if err != nil || bytes <= 0 {
				return NewError("parse_options", ErrCodeInvalidParameters,
					fmt.Sprintf("%s: bad value %q", name, value))
			}
			pages := (bytes + pageSize - 1) / pageSize
			if pages < constants.MinStackPages {
				pages = constants.MinStackPages
			}
			strandAll(func(s *StrandParams) { s.StackPages = pages })

		case OptWorkersMin:
			v, err := parseU32(name, value)
			if err != nil {
				return err
			}
			strandAll(func(s *StrandParams) { s.WorkersMin = int(v) })

		case OptWorkersMax:
			v, err := parseU32(name, value)
			if err != nil {
				return err
			}
			strandAll(func(s *StrandParams) { s.WorkersMax = int(v) })

		default:
			return NewError("parse_options", ErrCodeInvalidParameters,
				fmt.Sprintf("unrecognized option %q", name))
		}
	}
	return nil
}

func parseU32(name, value string) (uint32, error) {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, NewError("parse_options", ErrCodeInvalidParameters,
			fmt.Sprintf("%s: bad value %q", name, value))
	}
	return uint32(v), nil
}
