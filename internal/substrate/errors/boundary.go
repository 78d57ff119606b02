package errors

// Result is the flattened shape a SubstrateError takes when it crosses
// into a host shell that doesn't understand Go error values.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Flatten converts any error into a boundary Result. A nil error
// produces {OK: true}.
func Flatten(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	ae, ok := err.(*SubstrateError)
	if !ok {
		return Result{OK: false, Message: err.Error(), Kind: string(KindInvalid)}
	}
	return Result{OK: false, Message: ae.Message, Kind: string(ae.Kind)}
}
