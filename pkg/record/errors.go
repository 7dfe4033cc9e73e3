package record

import "errors"

// Failure taxonomy for the pipeline. Only ErrPrimaryWrite ever reaches the
// business operation that triggered the log; everything else is caught,
// logged and counted inside the component that hit it.
var (
	ErrPrimaryWrite   = errors.New("primary audit write failed")
	ErrMirrorDispatch = errors.New("mirror dispatch failed")
	ErrForwarding     = errors.New("forwarding dispatch failed")
	ErrArchiveExport  = errors.New("archive export failed")
	ErrStreamBackend  = errors.New("stream backend unavailable")
)
