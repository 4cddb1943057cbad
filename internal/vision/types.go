package vision

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Feature is a Cloud Vision feature type.
type Feature string

const (
	FeatureWeb      Feature = "WEB_DETECTION"
	FeatureText     Feature = "TEXT_DETECTION"
	FeatureFace     Feature = "FACE_DETECTION"
	FeatureLabel    Feature = "LABEL_DETECTION"
	FeatureLandmark Feature = "LANDMARK_DETECTION"
	FeatureLogo     Feature = "LOGO_DETECTION"
)

type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image    requestImage     `json:"image"`
	Features []requestFeature `json:"features"`
}

type requestImage struct {
	Content string       `json:"content,omitempty"`
	Source  *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	ImageURI string `json:"imageUri"`
}

type requestFeature struct {
	Type       Feature `json:"type"`
	MaxResults int     `json:"maxResults,omitempty"`
}

type annotateBatchResponse struct {
	Responses []AnnotateResponse `json:"responses"`
}

// AnnotateResponse is one image's response. Only the annotation kinds the
// detectors format are decoded.
type AnnotateResponse struct {
	FaceAnnotations     []FaceAnnotation   `json:"faceAnnotations,omitempty"`
	LandmarkAnnotations []EntityAnnotation `json:"landmarkAnnotations,omitempty"`
	LogoAnnotations     []EntityAnnotation `json:"logoAnnotations,omitempty"`
	LabelAnnotations    []EntityAnnotation `json:"labelAnnotations,omitempty"`
	TextAnnotations     []EntityAnnotation `json:"textAnnotations,omitempty"`
	WebDetection        *WebDetection      `json:"webDetection,omitempty"`
	Error               *Status            `json:"error,omitempty"`
}

type EntityAnnotation struct {
	MID          string        `json:"mid,omitempty"`
	Description  string        `json:"description"`
	Score        float64       `json:"score,omitempty"`
	BoundingPoly *BoundingPoly `json:"boundingPoly,omitempty"`
}

type FaceAnnotation struct {
	BoundingPoly       *BoundingPoly `json:"boundingPoly,omitempty"`
	JoyLikelihood      Likelihood    `json:"joyLikelihood"`
	SorrowLikelihood   Likelihood    `json:"sorrowLikelihood"`
	AngerLikelihood    Likelihood    `json:"angerLikelihood"`
	SurpriseLikelihood Likelihood    `json:"surpriseLikelihood"`
}

type BoundingPoly struct {
	Vertices []Vertex `json:"vertices"`
}

// Vertex coordinates are omitted by the API when zero.
type Vertex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type WebDetection struct {
	WebEntities             []WebEntity `json:"webEntities,omitempty"`
	FullMatchingImages      []WebImage  `json:"fullMatchingImages,omitempty"`
	PartialMatchingImages   []WebImage  `json:"partialMatchingImages,omitempty"`
	PagesWithMatchingImages []WebPage   `json:"pagesWithMatchingImages,omitempty"`
}

type WebEntity struct {
	EntityID    string  `json:"entityId,omitempty"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

type WebImage struct {
	URL string `json:"url"`
}

type WebPage struct {
	URL       string `json:"url"`
	PageTitle string `json:"pageTitle,omitempty"`
}

// Status is the per-image error the API returns inside a 200 response.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Likelihood is the API's ordinal confidence scale.
type Likelihood int

const (
	Unknown Likelihood = iota
	VeryUnlikely
	Unlikely
	Possible
	Likely
	VeryLikely
)

var likelihoodNames = [...]string{"UNKNOWN", "VERY_UNLIKELY", "UNLIKELY", "POSSIBLE", "LIKELY", "VERY_LIKELY"}

func (l Likelihood) String() string {
	if l < 0 || int(l) >= len(likelihoodNames) {
		return likelihoodNames[Unknown]
	}
	return likelihoodNames[l]
}

// UnmarshalJSON accepts the enum name or its ordinal.
func (l *Likelihood) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		for i, n := range likelihoodNames {
			if n == name {
				*l = Likelihood(i)
				return nil
			}
		}
		*l = Unknown
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("likelihood: unexpected value %s", data)
	}
	*l = Likelihood(n)
	return nil
}

func (l Likelihood) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}
