package persist

import "fmt"

// RestoreError reports why a persisted entry could not be served. Persist
// only logs it; Restore returns it.
type RestoreError struct {
	Key       string
	GetErr    error // provider read failed
	DecodeErr error // framing or codec rejected the payload
	DelErr    error // dropping the bad entry failed
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("persist: restore %s: get=%v decode=%v del=%v", e.Key, e.GetErr, e.DecodeErr, e.DelErr)
}

func (e *RestoreError) Unwrap() []error {
	var out []error
	for _, err := range []error{e.GetErr, e.DecodeErr, e.DelErr} {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// InvalidateError reports a failed generation bump. The entry may still be
// served until it expires or the bump is retried.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	return fmt.Sprintf("persist: invalidate %s: bump=%v del=%v", e.Key, e.BumpErr, e.DelErr)
}

func (e *InvalidateError) Unwrap() []error {
	var out []error
	if e.BumpErr != nil {
		out = append(out, e.BumpErr)
	}
	if e.DelErr != nil {
		out = append(out, e.DelErr)
	}
	return out
}
