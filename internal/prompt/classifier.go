package prompt

import (
	"strings"

	"github.com/suPer8Hu/nahara-chat/internal/models"
)

// Intent is a structured-output request recognised in user text.
type Intent string

const (
	IntentDetect  Intent = "detect"
	IntentSegment Intent = "segment"
)

// Keywords per intent, one list per language. Matching is case-insensitive substring.
var Keywords = map[Intent]map[string][]string{
	IntentDetect: {
		"en": {"detect", "detection", "bounding box", "bounding boxes", "locate"},
		"es": {"detectar", "detecta", "detección", "deteccion", "caja delimitadora", "cajas delimitadoras", "localiza"},
	},
	IntentSegment: {
		"en": {"segment", "segmentation", "mask"},
		"es": {"segmentar", "segmenta", "segmentación", "segmentacion", "máscara", "mascara"},
	},
}

const (
	// DetectionInstruction is appended to the user text for detection requests.
	DetectionInstruction = "Detect the requested objects in the image and return their bounding boxes. " +
		"For each object return the label and the box as [ymin, xmin, ymax, xmax] with coordinates " +
		"normalized to a 0-1000 scale."

	// SegmentationInstruction is prepended to the user text for segmentation requests.
	SegmentationInstruction = "Give the segmentation masks for the requested objects. Output a JSON list of " +
		"segmentation masks where each entry contains the 2D bounding box in the key \"box_2d\", " +
		"the segmentation mask in key \"mask\", and the text label in the key \"label\"."
)

// Matches reports whether text contains any keyword of intent.
func Matches(intent Intent, text string) bool {
	lower := strings.ToLower(text)
	for _, words := range Keywords[intent] {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
	}
	return false
}

// Classify augments text for detection or segmentation requests. Augmentation
// only happens when the model accepts images and an image is attached.
// structured reports whether any augmentation applied; such responses are
// returned verbatim.
func Classify(text string, caps models.Capabilities, hasImage bool) (augmented string, structured bool) {
	if !caps.Images || !hasImage {
		return text, false
	}
	augmented = text
	if Matches(IntentSegment, text) {
		augmented = SegmentationInstruction + "\n\n" + augmented
		structured = true
	}
	if Matches(IntentDetect, text) {
		augmented = augmented + "\n\n" + DetectionInstruction
		structured = true
	}
	return augmented, structured
}
