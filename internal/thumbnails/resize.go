package thumbnails

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"job-processing-core/internal/config"
	"job-processing-core/internal/models"
	"job-processing-core/internal/router"
)

const (
	defaultDownloadTimeout = 30 * time.Second
	defaultMaxBytes        = 25 * 1024 * 1024
	fallbackWidth          = 320
)

// ResizePayload is accepted on image.resize.
type ResizePayload struct {
	SourceURL   string               `json:"source_url"`
	OutputKey   string               `json:"output_key"`
	Width       int                  `json:"width"`
	Height      int                  `json:"height"`
	Grayscale   *bool                `json:"grayscale"`
	Destination string               `json:"destination"`
	Chain       *models.ChainContext `json:"chain,omitempty"`
}

// ResizeHandler downloads an image, optionally converts it to grayscale,
// resizes it and stores the result locally or in S3.
type ResizeHandler struct {
	cfg        config.Config
	httpClient *http.Client
	maxBytes   int64
	local      uploader
	s3         uploader
}

func NewResizeHandler(ctx context.Context, cfg config.Config) (*ResizeHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = defaultDownloadTimeout
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	maxBytes := cfg.ImageMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxBytes
	}

	h := &ResizeHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		local:      &localUploader{baseDir: baseDir},
	}
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}
	return h, nil
}

// Handle reports progress at each stage: 0 on start, 30 after download,
// 60 after the transform, 90 after encoding and 100 once stored.
func (h *ResizeHandler) Handle(ctx context.Context, call *router.Call, p ResizePayload) error {
	if err := h.normalize(&p); err != nil {
		return err
	}
	up, err := h.pickUploader(p.Destination)
	if err != nil {
		return err
	}
	if err := call.StartProgress(ctx); err != nil {
		return err
	}

	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return err
	}
	if err := call.ReportProgress(ctx, 30); err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return permanent(err, "decode image")
	}
	if *p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)
	if err := call.ReportProgress(ctx, 60); err != nil {
		return err
	}

	outFormat := chooseFormat(p.OutputKey, format, contentType)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return permanent(err, "encode image")
	}
	if err := call.ReportProgress(ctx, 90); err != nil {
		return err
	}

	key := p.OutputKey
	if key == "" {
		key = call.JobID + "." + formatExtension(outFormat)
	}
	location, err := up.Upload(ctx, sanitizeKey(key), buf.Bytes(), mimeForFormat(outFormat))
	if err != nil {
		return transient(err, "upload")
	}
	if err := call.ReportProgress(ctx, 100); err != nil {
		return err
	}

	b := img.Bounds()
	return emitProcessed(ctx, call, p.Chain, TopicResize, stepOutput{
		Source:   p.SourceURL,
		Location: location,
		Width:    b.Dx(),
		Height:   b.Dy(),
	})
}

func (h *ResizeHandler) normalize(p *ResizePayload) error {
	if p.SourceURL == "" {
		return permanentf("source_url is required")
	}
	if p.Width < 0 || p.Height < 0 {
		return permanentf("width and height must not be negative")
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = h.cfg.ImageDefaultWidth, h.cfg.ImageDefaultHeight
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = fallbackWidth
	}
	if p.Grayscale == nil {
		gray := true
		p.Grayscale = &gray
	}
	if p.Destination == "" {
		p.Destination = "local"
		if h.s3 != nil {
			p.Destination = "s3"
		}
	}
	return nil
}

// download treats 4xx responses and oversized bodies as permanent. Network
// errors and 5xx responses are worth another attempt.
func (h *ResizeHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", permanent(err, "build request")
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", transient(err, "download image")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, "", transient(errors.Errorf("status %d", resp.StatusCode), "download image")
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, "", permanentf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, "", transient(err, "read image")
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", permanentf("image too large (>%d bytes)", h.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ResizeHandler) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 == nil {
			return nil, permanentf("destination s3 requested but IMAGE_S3_BUCKET is not configured")
		}
		return h.s3, nil
	case "local":
		return h.local, nil
	}
	return nil, permanentf("unknown destination %q", destination)
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	if f, err := imaging.FormatFromFilename(outputKey); err == nil && outputKey != "" {
		return f
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	case imaging.BMP:
		return "bmp"
	}
	return "jpg"
}

func mimeForFormat(f imaging.Format) string {
	if f == imaging.JPEG {
		return "image/jpeg"
	}
	return "image/" + formatExtension(f)
}
