package classifier

import "fmt"

// Entry is one label of a vocabulary together with the text that is embedded
// for it.
type Entry struct {
	Label  string
	Prompt string
}

// Vocabulary is an ordered list of entries. The position of an entry is the
// index scores are reported against.
type Vocabulary []Entry

// Labels returns the labels in vocabulary order.
func (v Vocabulary) Labels() []string {
	labels := make([]string, len(v))
	for i, e := range v {
		labels[i] = e.Label
	}
	return labels
}

// Prompts returns the prompt texts in vocabulary order.
func (v Vocabulary) Prompts() []string {
	prompts := make([]string, len(v))
	for i, e := range v {
		prompts[i] = e.Prompt
	}
	return prompts
}

// Validate checks that the vocabulary is usable: at least one entry, unique
// labels and non-empty prompts.
func (v Vocabulary) Validate() error {
	if len(v) == 0 {
		return fmt.Errorf("empty vocabulary")
	}
	seen := make(map[string]bool, len(v))
	for i, e := range v {
		if e.Label == "" {
			return fmt.Errorf("entry %d has an empty label", i)
		}
		if seen[e.Label] {
			return fmt.Errorf("duplicate label %q", e.Label)
		}
		seen[e.Label] = true
		if e.Prompt == "" {
			return fmt.Errorf("label %q has an empty prompt", e.Label)
		}
	}
	return nil
}

var styleLabels = []string{
	"2D", "3D", "Cute", "Animeart", "Realism",
	"Aesthetic", "Cool", "Fantasy", "Comic", "Horror",
	"Cyberpunk", "Lofi", "Minimalism", "Digitalart", "Cinematic",
	"Pixelart", "Scifi", "Vangoghart",
}

var colorLabels = []string{
	"Black", "White", "Blackandwhite", "Red", "Yellow",
	"Blue", "Green", "Pink", "Orange", "Pastel",
	"Hologram", "Vintage", "Colorful", "Neutral", "Light",
	"Dark", "Warm", "Cold", "Neon", "Gradient",
	"Purple", "Brown", "Grey",
}

var hashtagLabels = []string{
	"photography", "photo", "portrait", "landscape", "camera",
	"lifestyle", "daily", "vibes", "mood", "instagood",
	"fashion", "style", "ootd", "model", "beauty",
	"art", "digitalart", "illustration", "drawing", "creative",
	"travel", "adventure", "explore", "nature", "outdoor",
	"food", "foodie", "yummy", "delicious", "instafood",
	"instadaily", "picoftheday", "instagram", "love", "happy",
	"cute", "beautiful", "summer", "winter", "spring", "autumn",
	"street", "urban", "city", "night", "sunset", "sunrise",
	"minimal", "retro", "vintage", "modern",
}

// Hand written prompts for the labels the generic templates describe badly.
// Changing these shifts classification results.
var stylePrompts = map[string]string{
	"Cool":     "cool, stylish, badass attitude, swagger",
	"Cute":     "cute, adorable, chibi, kawaii",
	"3D":       "3D CGI render, blender, unreal engine",
	"Realism":  "photorealistic, 4k photograph, detailed texture",
	"Animeart": "anime style, japanese manga",
}

var colorPrompts = map[string]string{
	"Colorful": "colorful, many different colors, chaotic rainbow",
	"Hologram": "holographic, iridescent, cd reflection",
	"Neon":     "glowing neon lights, cyber colors",
	"Pastel":   "pastel colors, soft macaron colors",
}

// StyleVocabulary returns the 18 entry art style vocabulary.
func StyleVocabulary() Vocabulary {
	return build(styleLabels, stylePrompts, "a %s style artwork")
}

// ColorVocabulary returns the 23 entry color palette vocabulary.
func ColorVocabulary() Vocabulary {
	return build(colorLabels, colorPrompts, "dominant color is %s")
}

// HashtagVocabulary returns the generic social media hashtag vocabulary.
// Labels are embedded in their hashtag form.
func HashtagVocabulary() Vocabulary {
	return build(hashtagLabels, nil, "#%s")
}

func build(labels []string, prompts map[string]string, format string) Vocabulary {
	v := make(Vocabulary, len(labels))
	for i, l := range labels {
		p, ok := prompts[l]
		if !ok {
			p = fmt.Sprintf(format, l)
		}
		v[i] = Entry{Label: l, Prompt: p}
	}
	return v
}
