package converter

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	maxDimension = 10000
	// A decoded image costs about 4 bytes per pixel, so this bounds a
	// single decode to roughly 160 MB.
	defaultMaxPixels = 40_000_000
)

var (
	ErrUnsupportedType   = errors.New("unsupported processing type")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrImageTooLarge     = fmt.Errorf("%w: image too large", ErrInvalidParameter)
)

type Result struct {
	Data        []byte
	ContentType string
}

type operation func(src image.Image, params Params) (*image.NRGBA, error)

type Converter struct {
	ops       map[string]operation
	maxPixels int
	logger    *zap.Logger
}

func NewConverter(logger *zap.Logger) *Converter {
	return &Converter{
		ops: map[string]operation{
			"grayscale": grayscale,
			"resize":    resize,
			"thumbnail": thumbnail,
			"blur":      blur,
			"sharpen":   sharpen,
			"invert":    invert,
			"rotate":    rotate,
			"flip":      flip,
		},
		maxPixels: defaultMaxPixels,
		logger:    logger,
	}
}

func (c *Converter) Supports(processingType string) bool {
	_, ok := c.ops[processingType]
	return ok
}

// Process decodes data, applies processingType and re-encodes the result.
// The output keeps the input format unless the "format" parameter says
// otherwise.
func (c *Converter) Process(processingType string, params map[string]any, data []byte) (*Result, error) {
	op, ok := c.ops[processingType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, processingType)
	}
	p := Params(params)

	header, inputFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if err := c.checkSize(header); err != nil {
		return nil, err
	}

	format, err := outputFormat(p, inputFormat)
	if err != nil {
		return nil, err
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	c.logger.Info("Starting conversion",
		zap.String("processing_type", processingType),
		zap.String("input_format", inputFormat),
		zap.Int("width", src.Bounds().Dx()),
		zap.Int("height", src.Bounds().Dy()),
	)

	out, err := op(src, p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, format, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	c.logger.Info("Conversion completed",
		zap.String("processing_type", processingType),
		zap.Int("bytes", buf.Len()),
	)

	return &Result{Data: buf.Bytes(), ContentType: contentType(format)}, nil
}

// checkSize rejects images whose decoded form would not fit in memory,
// before any pixel data is decoded.
func (c *Converter) checkSize(header image.Config) error {
	if header.Width <= 0 || header.Height <= 0 {
		return fmt.Errorf("%w: image has no pixels", ErrInvalidParameter)
	}
	if header.Width > maxDimension || header.Height > maxDimension {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels per side", ErrImageTooLarge, header.Width, header.Height, maxDimension)
	}
	if int64(header.Width)*int64(header.Height) > int64(c.maxPixels) {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, header.Width, header.Height, c.maxPixels)
	}
	return nil
}

func outputFormat(p Params, inputFormat string) (imaging.Format, error) {
	name, err := p.String("format", inputFormat)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(name) {
	case "jpg", "jpeg":
		return imaging.JPEG, nil
	case "png":
		return imaging.PNG, nil
	case "gif":
		return imaging.GIF, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func contentType(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func grayscale(src image.Image, _ Params) (*image.NRGBA, error) {
	return imaging.Grayscale(src), nil
}

func invert(src image.Image, _ Params) (*image.NRGBA, error) {
	return imaging.Invert(src), nil
}

func resize(src image.Image, p Params) (*image.NRGBA, error) {
	width, err := p.Dimension("width", 0)
	if err != nil {
		return nil, err
	}
	height, err := p.Dimension("height", 0)
	if err != nil {
		return nil, err
	}
	if width == 0 && height == 0 {
		return nil, fmt.Errorf("%w: resize needs width or height", ErrInvalidParameter)
	}

	crop, err := p.Bool("crop", false)
	if err != nil {
		return nil, err
	}
	if crop {
		if width == 0 || height == 0 {
			return nil, fmt.Errorf("%w: crop needs both width and height", ErrInvalidParameter)
		}
		return imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos), nil
	}
	return imaging.Resize(src, width, height, imaging.Lanczos), nil
}

func thumbnail(src image.Image, p Params) (*image.NRGBA, error) {
	width, err := p.Dimension("width", 150)
	if err != nil {
		return nil, err
	}
	height, err := p.Dimension("height", 150)
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: thumbnail size must be positive", ErrInvalidParameter)
	}
	return imaging.Thumbnail(src, width, height, imaging.Lanczos), nil
}

func blur(src image.Image, p Params) (*image.NRGBA, error) {
	sigma, err := p.PositiveFloat("sigma", 2.0)
	if err != nil {
		return nil, err
	}
	return imaging.Blur(src, sigma), nil
}

func sharpen(src image.Image, p Params) (*image.NRGBA, error) {
	sigma, err := p.PositiveFloat("sigma", 1.0)
	if err != nil {
		return nil, err
	}
	return imaging.Sharpen(src, sigma), nil
}

// rotate turns the image counter-clockwise.
func rotate(src image.Image, p Params) (*image.NRGBA, error) {
	angle, err := p.Int("angle", 90)
	if err != nil {
		return nil, err
	}
	switch ((angle % 360) + 360) % 360 {
	case 0:
		return imaging.Clone(src), nil
	case 90:
		return imaging.Rotate90(src), nil
	case 180:
		return imaging.Rotate180(src), nil
	case 270:
		return imaging.Rotate270(src), nil
	default:
		return nil, fmt.Errorf("%w: angle must be a multiple of 90, got %d", ErrInvalidParameter, angle)
	}
}

func flip(src image.Image, p Params) (*image.NRGBA, error) {
	direction, err := p.String("direction", "horizontal")
	if err != nil {
		return nil, err
	}
	switch direction {
	case "horizontal":
		return imaging.FlipH(src), nil
	case "vertical":
		return imaging.FlipV(src), nil
	default:
		return nil, fmt.Errorf("%w: direction must be horizontal or vertical, got %q", ErrInvalidParameter, direction)
	}
}
