package unlockexcel

import "errors"

var (
	// Container level failures. Nothing useful can be recovered from the
	// file once one of these is returned.
	ErrCorruptContainer = errors.New("corrupt compound file container")
	ErrBrokenChain      = errors.New("broken sector chain")
	ErrChainTooShort    = errors.New("sector chain too short for payload")

	// Directory level failures. ErrStreamNotFound usually means the file
	// simply has no VBA project in it.
	ErrMissingRoot    = errors.New("missing root directory entry")
	ErrStreamNotFound = errors.New("stream not found")

	// Protection record failures. ErrUnrecognizedScheme is kept distinct
	// so new schemes can be reported without changing callers.
	ErrUnrecognizedScheme = errors.New("unrecognized protection scheme")
	ErrMalformedRecord    = errors.New("malformed protection record")
)
