package validation

import "errors"

var (
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFileTooLarge       = errors.New("file size exceeds limit")
	ErrEmptyFile          = errors.New("file is empty")
	ErrInvalidParameters  = errors.New("parameters must be a JSON object")
	ErrInvalidProcessType = errors.New("invalid processing type")
)
