package notebook

import (
	"strings"
	"unicode"
)

// DefaultKernelName is the engine identity assumed when a document names none.
const DefaultKernelName = "python3"

func pythonKernelspec() map[string]any {
	return map[string]any{
		"display_name": "Python 3",
		"language":     "python",
		"name":         DefaultKernelName,
	}
}

func pythonLanguageInfo() map[string]any {
	return map[string]any{
		"codemirror_mode":    map[string]any{"name": "ipython", "version": 3},
		"file_extension":     ".py",
		"mimetype":           "text/x-python",
		"name":               "python",
		"nbconvert_exporter": "python",
		"pygments_lexer":     "ipython3",
	}
}

// EnsureMetadata fills in kernelspec and language_info when they are
// missing. Existing values are never touched, so running it twice is the
// same as running it once.
func EnsureMetadata(doc *Document) {
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if _, ok := doc.Metadata["kernelspec"]; !ok {
		doc.Metadata["kernelspec"] = pythonKernelspec()
	}
	if _, ok := doc.Metadata["language_info"]; !ok {
		doc.Metadata["language_info"] = pythonLanguageInfo()
	}
}

// LanguageMetadata returns kernelspec and language_info for a new document
// in the given language. Languages other than Python get a generic spec
// derived from the name.
func LanguageMetadata(language string) map[string]any {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || lang == "python" {
		return map[string]any{
			"kernelspec":    pythonKernelspec(),
			"language_info": pythonLanguageInfo(),
		}
	}
	return map[string]any{
		"kernelspec": map[string]any{
			"display_name": titleCase(lang),
			"language":     lang,
			"name":         lang,
		},
		"language_info": map[string]any{
			"name":           lang,
			"file_extension": "." + lang,
		},
	}
}

// titleCase upper-cases the first letter of every word.
func titleCase(s string) string {
	var sb strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				sb.WriteRune(r)
			} else {
				sb.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		sb.WriteRune(r)
		prevLetter = false
	}
	return sb.String()
}
