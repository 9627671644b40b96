package tesseract

import (
	"context"
	"image"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scan-ocr/internal/domain"
)

func TestBuildLayer(t *testing.T) {
	boxes := []gosseract.BoundingBox{
		{Box: image.Rect(10, 10, 60, 30), Word: "Invoice", Confidence: 96, BlockNum: 1, ParNum: 1, LineNum: 1},
		{Box: image.Rect(70, 10, 110, 30), Word: "#42", Confidence: 91, BlockNum: 1, ParNum: 1, LineNum: 1},
		{Box: image.Rect(10, 40, 20, 60), Word: "  ", Confidence: 10, BlockNum: 1, ParNum: 1, LineNum: 2},
		{Box: image.Rect(10, 70, 80, 90), Word: "Total", Confidence: 88, BlockNum: 2, ParNum: 1, LineNum: 1},
	}

	layer := buildLayer(boxes, image.Rect(0, 0, 200, 100), "eng")

	assert.Equal(t, 200, layer.Width)
	assert.Equal(t, 100, layer.Height)
	assert.Equal(t, "eng", layer.Language)
	assert.Equal(t, "Invoice #42 Total", layer.Text)
	require.Len(t, layer.Words, 3)
	assert.Equal(t, domain.Box{X0: 70, Y0: 10, X1: 110, Y1: 30}, layer.Words[1].Box)
	assert.Equal(t, 1, layer.Words[0].Line)
	assert.Equal(t, 1, layer.Words[1].Line)
	assert.Equal(t, 2, layer.Words[2].Line, "blank words do not consume a line number")
}

func TestEngine_MoveToRecordsDevice(t *testing.T) {
	e := New(nil)
	assert.Equal(t, domain.DeviceCPU, e.Device())
	require.NoError(t, e.MoveTo(context.Background(), domain.DeviceGPU))
	assert.Equal(t, domain.DeviceGPU, e.Device())
	assert.Equal(t, []string{"eng"}, e.languages)
}

func TestEngine_RecognizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Recognize(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)), domain.RecognizeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
