package thumbnails

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"job-processing-core/internal/config"
	"job-processing-core/internal/models"
	"job-processing-core/internal/router"
)

const defaultThumbnailWidth = 300

// ThumbnailPayload is accepted on image.thumbnail.
type ThumbnailPayload struct {
	Filepath    string               `json:"filepath"`
	OutputPath  string               `json:"output_path"`
	Width       int                  `json:"width"`
	RequestedBy string               `json:"requested_by"`
	Chain       *models.ChainContext `json:"chain,omitempty"`
}

// ThumbnailHandler scales a local image to a fixed width, keeping its aspect ratio.
type ThumbnailHandler struct {
	width int
}

func NewThumbnailHandler(cfg config.Config) *ThumbnailHandler {
	width := cfg.ImageThumbnailWidth
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	return &ThumbnailHandler{width: width}
}

func (h *ThumbnailHandler) Handle(ctx context.Context, call *router.Call, p ThumbnailPayload) error {
	if p.Filepath == "" {
		return permanentf("filepath is required")
	}
	if p.OutputPath == "" {
		p.OutputPath = filepath.Join(filepath.Dir(p.Filepath), "thumb_"+filepath.Base(p.Filepath))
	}
	width := p.Width
	if width <= 0 {
		width = h.width
	}

	in, err := os.Open(p.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return permanent(err, "source image missing")
		}
		return transient(err, "open source")
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return permanent(err, "decode image")
	}
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return permanentf("invalid image dimensions %dx%d", sb.Dx(), sb.Dy())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	height := sb.Dy() * width / sb.Dx()
	if height == 0 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)

	if err := writeImage(p.OutputPath, dst); err != nil {
		return transient(err, "write thumbnail")
	}

	return emitProcessed(ctx, call, p.Chain, TopicThumbnail, stepOutput{
		Source:   p.Filepath,
		Location: p.OutputPath,
		Width:    width,
		Height:   height,
	})
}

func writeImage(path string, img image.Image) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if strings.EqualFold(filepath.Ext(path), ".png") {
		return png.Encode(out, img)
	}
	return jpeg.Encode(out, img, &jpeg.Options{Quality: 85})
}
