package proferrors

import (
	"errors"
	"strings"
)

// Profile (P) Errors
var (
	ErrNotInstrumentable   = errors.New("P1|NotInstrumentable: Runtime cannot allocate probes for this method. Compilation proceeds without instrumentation.")
	ErrAllocatorFailure    = errors.New("P2|AllocatorFailure: Profile buffer allocation failed.")
	ErrSchemaMismatch      = errors.New("P3|SchemaMismatch: Schema length disagrees with the tallied probe counts.")
	ErrInconsistentProfile = errors.New("P4|InconsistentProfile: Edge weight ranges cannot satisfy flow conservation within slop.")
	ErrProfileCheckFailure = errors.New("P5|ProfileCheckFailure: Block weights and edge ranges are not self-consistent.")
	ErrScaleUnavailable    = errors.New("P6|ScaleUnavailable: Inlinee profile counts cannot be mapped into the caller frame of reference.")
)

// Store (S) Errors
var (
	ErrProfileNotFound  = errors.New("S1|ProfileNotFound: No stored profile for this method.")
	ErrCorruptSchema    = errors.New("S2|CorruptSchema: Stored schema bytes are not a whole number of records.")
	ErrBufferSizeWrong  = errors.New("S3|BufferSizeWrong: Stored counter buffer does not match the schema footprint.")
)

// IsFatal reports whether an error terminates the compilation.
// The four recoverable kinds degrade locally; everything else aborts.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotInstrumentable),
		errors.Is(err, ErrInconsistentProfile),
		errors.Is(err, ErrScaleUnavailable),
		errors.Is(err, ErrProfileCheckFailure):
		return false
	}
	return true
}

// GetErrorName extracts the error name from the "Pn|Name: desc" format.
func GetErrorName(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}
