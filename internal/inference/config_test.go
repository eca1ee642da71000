package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileOverlaysRecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detector.conf")
	contents := "" +
		"# comment line\n" +
		"\n" +
		"model-path = /models/yolov8n.onnx\n" +
		"confidence-threshold=0.4\n" +
		"nms-threshold = 0.5\n" +
		"input-width = 320\n" +
		"input-height=320\n" +
		"process-every-n-frames = 2\n" +
		"batch-size=4\n" +
		"unique-id = cam-7\n" +
		"process-mode=fp16\n" +
		"some-future-flag = ignored\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	got, err := LoadConfigFile(DefaultProperties(), path)
	require.NoError(t, err)

	require.Equal(t, "/models/yolov8n.onnx", got.ModelPath)
	require.InDelta(t, 0.4, got.ConfidenceThreshold, 1e-6)
	require.InDelta(t, 0.5, got.NMSThreshold, 1e-6)
	require.Equal(t, 320, got.InputWidth)
	require.Equal(t, 320, got.InputHeight)
	require.Equal(t, 2, got.ProcessEveryNFrames)
	require.Equal(t, 4, got.BatchSize)
	require.Equal(t, "cam-7", got.UniqueID)
	require.Equal(t, "fp16", got.ProcessMode)
}

func TestLoadConfigFileRejectsMissingEquals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	require.NoError(t, os.WriteFile(path, []byte("model-path /x.onnx\n"), 0o600))

	_, err := LoadConfigFile(DefaultProperties(), path)
	require.Error(t, err)
}

func TestLoadConfigFileErrorsOnMissingFile(t *testing.T) {
	_, err := LoadConfigFile(DefaultProperties(), filepath.Join(t.TempDir(), "missing.conf"))
	require.Error(t, err)
}
