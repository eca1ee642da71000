package inference

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kestrel-video/corevision/internal/log"
)

// Properties are the recognized configuration options from SPEC_FULL.md
// §4.7's property table.
type Properties struct {
	ModelPath           string
	ConfidenceThreshold float32
	NMSThreshold        float32
	InputWidth          int
	InputHeight         int
	ProcessEveryNFrames int
	BatchSize           int
	UniqueID            string
	ProcessMode         string
	ConfigFilePath      string
}

// DefaultProperties returns the spec's documented defaults. ModelPath
// empty means the element is a pass-through.
func DefaultProperties() Properties {
	return Properties{
		ConfidenceThreshold: 0.25,
		NMSThreshold:        0.45,
		InputWidth:          640,
		InputHeight:         640,
		ProcessEveryNFrames: 1,
		BatchSize:           1,
	}
}

// LoadConfigFile parses a minimal key=value file (one assignment per
// line, '#' comments, blank lines ignored) and overlays it onto p. This
// grammar is trivial enough, and sufficiently out of scope of the
// pipeline core's own concerns, that no third-party config-file library
// from the corpus is a better fit than the standard library's bufio
// scanner — see DESIGN.md.
func LoadConfigFile(p Properties, path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return p, fmt.Errorf("inference: opening config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return p, fmt.Errorf("inference: config file %s line %d: missing '='", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := applyConfigKey(&p, key, value); err != nil {
			return p, fmt.Errorf("inference: config file %s line %d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return p, fmt.Errorf("inference: reading config file: %w", err)
	}
	return p, nil
}

func applyConfigKey(p *Properties, key, value string) error {
	switch key {
	case "model-path":
		p.ModelPath = value
	case "confidence-threshold":
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return err
		}
		p.ConfidenceThreshold = float32(v)
	case "nms-threshold":
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return err
		}
		p.NMSThreshold = float32(v)
	case "input-width":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		p.InputWidth = v
	case "input-height":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		p.InputHeight = v
	case "process-every-n-frames":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		p.ProcessEveryNFrames = v
	case "batch-size":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		p.BatchSize = v
	case "unique-id":
		p.UniqueID = value
	case "process-mode":
		p.ProcessMode = value
	default:
		// Unknown properties are warned and ignored, never fatal.
		log.WithComponent("inference-config").Warn().
			Str("property", key).Msg("unknown config-file property ignored")
	}
	return nil
}
