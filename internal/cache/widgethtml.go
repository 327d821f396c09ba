package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"
)

var (
	cssURLRe    = regexp.MustCompile(`url\(\s*['"]?(https?://[^'")]+)['"]?\s*\)`)
	scriptSrcRe = regexp.MustCompile(`<script[^>]*\bsrc=["'](https?://[^"']+)["']`)
)

// fetchGroup collapses concurrent fetches of the same subresource.
var fetchGroup singleflight.Group

// CacheWidgetHTML stores the opaque widget HTML the CMS rendered for one
// widget, rewriting inline CSS url(...) references and static script tags to
// local asset paths. The referenced subresources are fetched and cached so
// the sandboxed HTML region never reaches out to the network.
func (m *Manager) CacheWidgetHTML(layoutID int, regionID string, widgetID int, html string, client *http.Client) error {
	rewritten := cssURLRe.ReplaceAllStringFunc(html, func(match string) string {
		sub := cssURLRe.FindStringSubmatch(match)
		local, err := m.cacheAsset(sub[1], client)
		if err != nil {
			m.logger.Warnf("Failed to cache CSS subresource %s: %v", sub[1], err)
			return match
		}
		return strings.Replace(match, sub[1], local, 1)
	})
	rewritten = scriptSrcRe.ReplaceAllStringFunc(rewritten, func(match string) string {
		sub := scriptSrcRe.FindStringSubmatch(match)
		local, err := m.cacheAsset(sub[1], client)
		if err != nil {
			m.logger.Warnf("Failed to cache script subresource %s: %v", sub[1], err)
			return match
		}
		return strings.Replace(match, sub[1], local, 1)
	})

	m.mu.Lock()
	m.widgetHTML[widgetHTMLKey(layoutID, regionID, widgetID)] = []byte(rewritten)
	m.mu.Unlock()
	return nil
}

// WidgetHTML returns the rewritten HTML for a widget, or ErrMissing.
func (m *Manager) WidgetHTML(layoutID int, regionID string, widgetID int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	html, ok := m.widgetHTML[widgetHTMLKey(layoutID, regionID, widgetID)]
	if !ok {
		return nil, ErrMissing
	}
	return html, nil
}

// HasWidgetHTML reports whether a widget's HTML is already cached.
func (m *Manager) HasWidgetHTML(layoutID int, regionID string, widgetID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.widgetHTML[widgetHTMLKey(layoutID, regionID, widgetID)]
	return ok
}

// ClearWidgetHTML drops every cached widget HTML document for a layout so
// the next render re-fetches fresh content (data connector updates).
func (m *Manager) ClearWidgetHTML(layoutID int) {
	prefix := fmt.Sprintf("%d/", layoutID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.widgetHTML {
		if strings.HasPrefix(key, prefix) {
			delete(m.widgetHTML, key)
		}
	}
}

// Asset returns a cached widget subresource by its local name.
func (m *Manager) Asset(name string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[name]
	if !ok {
		return nil, "", ErrMissing
	}
	return a.data, a.mediaType, nil
}

// cacheAsset fetches one subresource and stores it under a content-derived
// name, returning the local proxy path.
func (m *Manager) cacheAsset(url string, client *http.Client) (string, error) {
	name := assetName(url)

	m.mu.Lock()
	_, cached := m.assets[name]
	m.mu.Unlock()
	if cached {
		return "/cache/asset/" + name, nil
	}

	_, err, _ := fetchGroup.Do(name, func() (interface{}, error) {
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("received status %d for %s", resp.StatusCode, url)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		mediaType := resp.Header.Get("Content-Type")
		if mediaType == "" {
			mediaType = http.DetectContentType(data)
		}
		m.mu.Lock()
		m.assets[name] = asset{data: data, mediaType: mediaType}
		m.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return "/cache/asset/" + name, nil
}

func widgetHTMLKey(layoutID int, regionID string, widgetID int) string {
	return fmt.Sprintf("%d/%s/%d", layoutID, regionID, widgetID)
}

func assetName(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}
