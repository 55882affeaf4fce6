package ocr

import (
	"context"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/rotisserie/eris"
)

type annotateFunc func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)

// VisionOCR extracts text from images with Google Cloud Vision
// DOCUMENT_TEXT_DETECTION.
type VisionOCR struct {
	annotate annotateFunc
	close    func() error
}

// NewVision creates a VisionOCR using application default credentials.
func NewVision(ctx context.Context) (*VisionOCR, error) {
	c, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: vision client")
	}
	return &VisionOCR{
		annotate: func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
			return c.BatchAnnotateImages(ctx, req)
		},
		close: c.Close,
	}, nil
}

// ExtractText returns the full text annotation of the image, or "" when
// Vision finds no text.
func (v *VisionOCR) ExtractText(ctx context.Context, data []byte, _ string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: data},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
		}},
	}
	resp, err := v.annotate(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "ocr: vision BatchAnnotateImages")
	}
	if resp == nil || len(resp.GetResponses()) == 0 || resp.GetResponses()[0] == nil {
		return "", nil
	}

	r0 := resp.GetResponses()[0]
	if msg := r0.GetError().GetMessage(); msg != "" {
		return "", eris.Errorf("ocr: vision annotate error: %s", msg)
	}
	return r0.GetFullTextAnnotation().GetText(), nil
}

// Close releases the Vision client.
func (v *VisionOCR) Close() error {
	if v.close == nil {
		return nil
	}
	return v.close()
}
