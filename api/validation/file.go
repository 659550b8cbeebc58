package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type FileType string

const (
	FileTypePNG  FileType = "png"
	FileTypeJPEG FileType = "jpeg"
	FileTypeGIF  FileType = "gif"
)

var magicBytes = map[FileType][]byte{
	FileTypePNG:  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	FileTypeJPEG: {0xFF, 0xD8, 0xFF},
	FileTypeGIF:  {0x47, 0x49, 0x46, 0x38},
}

var processingTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// DetectImageType sniffs the leading bytes of data.
func DetectImageType(data []byte) (FileType, error) {
	for fileType, signature := range magicBytes {
		if bytes.HasPrefix(data, signature) {
			return fileType, nil
		}
	}
	return "", ErrInvalidFileType
}

func (f FileType) ContentType() string {
	return "image/" + string(f)
}

// ValidateImage checks size and content of an uploaded image.
func ValidateImage(data []byte, maxSize int64) (FileType, error) {
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if int64(len(data)) > maxSize {
		return "", fmt.Errorf("%w: %d bytes, max %d", ErrFileTooLarge, len(data), maxSize)
	}
	return DetectImageType(data)
}

// ProcessingType normalises the form value. The set of algorithms is owned
// by the worker, so only the shape of the tag is checked here.
func ProcessingType(raw, fallback string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return fallback, nil
	}
	if !processingTypePattern.MatchString(value) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProcessType, raw)
	}
	return value, nil
}

// ParseParameters decodes the optional parameters form field.
func ParseParameters(raw string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
