package core

import (
	"fmt"
	"time"

	"signaged/internal/models"
	"signaged/internal/xlf"
)

// mediaResolver backs the renderer's media lookups with the cache manager.
// A miss bumps the file to the download queue front before reporting the
// error, so the next render attempt finds it.
type mediaResolver struct {
	p *Player
}

func (r *mediaResolver) MediaURL(layoutID, fileID int) (string, string, error) {
	key := models.FileKey{Type: models.FileMedia, ID: fileID}
	res, err := r.p.cache.GetFile(key)
	if err != nil {
		r.p.cache.Prioritize(key)
		return "", "", fmt.Errorf("media %d is not cached: %w", fileID, err)
	}
	r.p.cache.AddDependant(key, layoutID)
	return res.URL, res.MediaType, nil
}

func (r *mediaResolver) WidgetHTMLURL(layoutID int, regionID string, widgetID int) (string, time.Duration, error) {
	url := fmt.Sprintf("/cache/widget/%d/%s/%d", layoutID, regionID, widgetID)
	if r.p.cache.HasWidgetHTML(layoutID, regionID, widgetID) {
		return url, 0, nil
	}

	html, err := r.p.cms.GetResource(layoutID, regionID, widgetID)
	if err != nil {
		return "", 0, fmt.Errorf("widget HTML for %d/%s/%d unavailable: %w", layoutID, regionID, widgetID, err)
	}
	if err := r.p.cache.CacheWidgetHTML(layoutID, regionID, widgetID, html, r.p.cms.HTTPClient()); err != nil {
		return "", 0, err
	}

	hints := xlf.ParseResourceHints(html)
	return url, hints.Duration, nil
}

func (r *mediaResolver) ReleaseLayout(layoutID int) {
	r.p.cache.RemoveLayoutDependants(layoutID)
}
