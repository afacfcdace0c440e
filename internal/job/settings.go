package job

import (
	"bytes"
	"encoding/json"
	"net/url"
	"slices"
	"strconv"

	"github.com/clipforge/clipforge/internal/apperr"
)

// Languages accepted by the clip provider.
var Languages = []string{
	"en", "ar", "bg", "hr", "cs", "da", "nl", "fi", "fr", "de", "el", "iw",
	"hi", "hu", "id", "it", "ja", "ko", "lt", "mal", "zh", "zh-TW", "no",
	"pl", "pt", "ro", "ru", "sr", "sk", "es", "sv", "tr", "uk", "vi",
}

// VideoTypeFile is the video type of a direct file link; only it needs Ext.
const VideoTypeFile = 1

var videoExts = []string{"mp4", "3gp", "avi", "mov"}

// ClipSettings is the clip provider's project request. JSON names match the
// provider's wire format.
type ClipSettings struct {
	VideoURL            string `json:"videoUrl"`
	VideoType           int    `json:"videoType"`
	Ext                 string `json:"ext,omitempty"`
	Lang                string `json:"lang"`
	PreferLength        []int  `json:"preferLength"`
	ProjectName         string `json:"projectName,omitempty"`
	SubtitleSwitch      *int   `json:"subtitleSwitch,omitempty"`
	HeadlineSwitch      *int   `json:"headlineSwitch,omitempty"`
	RemoveSilenceSwitch *int   `json:"removeSilenceSwitch,omitempty"`
	MaxClipNumber       int    `json:"maxClipNumber,omitempty"`
	Keywords            string `json:"keywords,omitempty"`
	TemplateID          int    `json:"templateId,omitempty"`
}

// Validate reports every missing required field at once, then the first
// malformed one.
func (s ClipSettings) Validate() error {
	const op = "validate clip settings"

	var missing []string
	if s.VideoURL == "" {
		missing = append(missing, "videoUrl")
	}
	if s.VideoType == 0 {
		missing = append(missing, "videoType")
	}
	if s.Lang == "" {
		missing = append(missing, "lang")
	}
	if len(s.PreferLength) == 0 {
		missing = append(missing, "preferLength")
	}
	if s.VideoType == VideoTypeFile && s.Ext == "" {
		missing = append(missing, "ext")
	}
	if len(missing) > 0 {
		return apperr.Validation(op, "missing required fields", missing...)
	}

	if !validHTTPURL(s.VideoURL) {
		return apperr.Validation(op, "invalid video URL format", "videoUrl")
	}
	if s.VideoType < 1 || s.VideoType > 5 {
		return apperr.Validation(op, "invalid video type, must be between 1-5", "videoType")
	}
	if s.VideoType == VideoTypeFile && !slices.Contains(videoExts, s.Ext) {
		return apperr.Validation(op, "unsupported file extension", "ext")
	}
	if !slices.Contains(Languages, s.Lang) {
		return apperr.Validation(op, "unsupported language code", "lang")
	}
	for _, l := range s.PreferLength {
		if l < 0 || l > 4 {
			return apperr.Validation(op, "prefer length options must be between 0-4", "preferLength")
		}
	}
	for name, v := range map[string]*int{
		"subtitleSwitch":      s.SubtitleSwitch,
		"headlineSwitch":      s.HeadlineSwitch,
		"removeSilenceSwitch": s.RemoveSilenceSwitch,
	} {
		if v != nil && *v != 0 && *v != 1 {
			return apperr.Validation(op, "switches must be 0 or 1", name)
		}
	}
	if s.MaxClipNumber < 0 || s.MaxClipNumber > 100 {
		return apperr.Validation(op, "max clip number must be between 1-100", "maxClipNumber")
	}
	return nil
}

// WithDefaults turns unset switches on.
func (s ClipSettings) WithDefaults() ClipSettings {
	on := func(v *int) *int {
		if v != nil {
			return v
		}
		one := 1
		return &one
	}
	s.SubtitleSwitch = on(s.SubtitleSwitch)
	s.HeadlineSwitch = on(s.HeadlineSwitch)
	s.RemoveSilenceSwitch = on(s.RemoveSilenceSwitch)
	return s
}

func (s ClipSettings) SourceURL() string { return s.VideoURL }

func (s ClipSettings) WithSourceURL(u string) ClipSettings {
	s.VideoURL = u
	return s
}

// TargetAge accepts either a JSON string or a JSON number.
type TargetAge string

// DefaultTargetAge lets the model pick the ages of the animation.
const DefaultTargetAge TargetAge = "default"

func (a *TargetAge) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = TargetAge(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = TargetAge(n.String())
	return nil
}

// AgeSettings is the age transformation request.
type AgeSettings struct {
	ImageURL  string    `json:"image_url"`
	TargetAge TargetAge `json:"target_age,omitempty"`
}

func (s AgeSettings) Validate() error {
	const op = "validate age settings"
	if s.ImageURL == "" {
		return apperr.Validation(op, "image URL is required", "image_url")
	}
	if !validHTTPURL(s.ImageURL) {
		return apperr.Validation(op, "invalid image URL format", "image_url")
	}
	if s.TargetAge == "" || s.TargetAge == DefaultTargetAge {
		return nil
	}
	age, err := strconv.Atoi(string(s.TargetAge))
	if err != nil || age < 0 || age > 100 {
		return apperr.Validation(op, "target age must be \"default\" or 0-100", "target_age")
	}
	return nil
}

func (s AgeSettings) WithDefaults() AgeSettings {
	if s.TargetAge == "" {
		s.TargetAge = DefaultTargetAge
	}
	return s
}

func (s AgeSettings) SourceURL() string { return s.ImageURL }

func (s AgeSettings) WithSourceURL(u string) AgeSettings {
	s.ImageURL = u
	return s
}

// DecodeSettings unmarshals raw into S, reporting malformed JSON as a
// validation error on the settings field.
func DecodeSettings[S any](raw json.RawMessage) (S, error) {
	var s S
	if len(raw) == 0 || string(raw) == "null" {
		return s, apperr.Validation("decode settings", "invalid settings provided", "settings")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, apperr.Validation("decode settings", "invalid settings provided", "settings")
	}
	return s, nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
