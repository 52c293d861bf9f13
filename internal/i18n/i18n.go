// Package i18n serves the wording catalogs for translation keys used by the call screen
// and by push notifications.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const DefaultLanguage = "en"

//go:embed translations/*.json
var translationsFS embed.FS

var (
	loadOnce sync.Once
	catalogs map[string]map[string]string
	loadErr  error
)

func load() {
	catalogs = make(map[string]map[string]string)
	entries, err := translationsFS.ReadDir("translations")
	if err != nil {
		loadErr = err
		return
	}
	for _, entry := range entries {
		lang := strings.TrimSuffix(entry.Name(), ".json")
		data, err := translationsFS.ReadFile("translations/" + entry.Name())
		if err != nil {
			loadErr = fmt.Errorf("read %s: %w", entry.Name(), err)
			return
		}
		var catalog map[string]string
		if err := json.Unmarshal(data, &catalog); err != nil {
			loadErr = fmt.Errorf("parse %s: %w", entry.Name(), err)
			return
		}
		catalogs[lang] = catalog
	}
}

// Normalize maps an Accept-Language style value onto a supported language.
func Normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if idx := strings.IndexAny(lang, "-_,;"); idx != -1 {
		lang = lang[:idx]
	}
	loadOnce.Do(load)
	if _, ok := catalogs[lang]; ok {
		return lang
	}
	return DefaultLanguage
}

// Catalog returns a copy of the catalog for lang, falling back to English.
func Catalog(lang string) (map[string]string, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}
	src := catalogs[Normalize(lang)]
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// T resolves a key, falling back to English and then to the key itself.
func T(lang, key string) string {
	loadOnce.Do(load)
	if v, ok := catalogs[Normalize(lang)][key]; ok {
		return v
	}
	if v, ok := catalogs[DefaultLanguage][key]; ok {
		return v
	}
	return key
}
