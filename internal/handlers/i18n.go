package handlers

import (
	"net/http"

	"github.com/goodlistener/callserver/internal/i18n"

	"github.com/gin-gonic/gin"
)

// GetTranslations serves the wording catalog used to render UI keys. Unknown languages
// get English.
func (h *Handlers) GetTranslations(c *gin.Context) {
	lang := i18n.Normalize(c.Param("lang"))
	catalog, err := i18n.Catalog(lang)
	if err != nil {
		h.logger.Error("load translations failed", "lang", lang, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load translations"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Language", lang)
	c.JSON(http.StatusOK, catalog)
}
