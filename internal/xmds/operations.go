package xmds

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signaged/internal/models"
)

// DisplaySettings are the CMS-controlled knobs delivered at registration.
type DisplaySettings struct {
	CollectInterval  time.Duration
	XmrAddress       string
	XmrPublicKey     string
	ScreenshotWidth  int
	ScreenshotHeight int
	StatsEnabled     bool
	LogLevel         string
	DisplayName      string
}

// RegisterResult is the outcome of registerDisplay.
type RegisterResult struct {
	Status        int
	Code          string
	Message       string
	Settings      DisplaySettings
	CheckRf       string
	CheckSchedule string
}

type registerResponseXML struct {
	XMLName       xml.Name `xml:"display"`
	Status        int      `xml:"status,attr"`
	Code          string   `xml:"code,attr"`
	Message       string   `xml:"message,attr"`
	CheckRf       string   `xml:"checkRf,attr"`
	CheckSchedule string   `xml:"checkSchedule,attr"`

	CollectInterval  int    `xml:"collectInterval"`
	XmrNetworkAddr   string `xml:"xmrNetworkAddress"`
	XmrPublicKey     string `xml:"xmrPubKey"`
	ScreenshotWidth  int    `xml:"screenShotRequestedWidth"`
	ScreenshotHeight int    `xml:"screenShotRequestedHeight"`
	StatsEnabled     string `xml:"statsEnabled"`
	LogLevel         string `xml:"logLevel"`
	DisplayName      string `xml:"displayName"`
}

// RegisterDisplay announces the player to the CMS and receives its settings
// plus the change tokens for the schedule and required-files documents.
func (c *Client) RegisterDisplay(displayName, clientVersion, operatingSystem, macAddress string) (*RegisterResult, error) {
	params := param("serverKey", c.cmsKey) +
		param("hardwareKey", c.hardwareKey) +
		param("displayName", displayName) +
		param("clientType", "linux") +
		param("clientVersion", clientVersion) +
		param("macAddress", macAddress) +
		param("operatingSystem", operatingSystem)

	inner, err := c.call("RegisterDisplay", params)
	if err != nil {
		return nil, err
	}

	var resp registerResponseXML
	if err := xml.Unmarshal(unwrapReturn(inner), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RegisterDisplay response: %w", err)
	}

	interval := time.Duration(resp.CollectInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &RegisterResult{
		Status:        resp.Status,
		Code:          resp.Code,
		Message:       resp.Message,
		CheckRf:       resp.CheckRf,
		CheckSchedule: resp.CheckSchedule,
		Settings: DisplaySettings{
			CollectInterval:  interval,
			XmrAddress:       resp.XmrNetworkAddr,
			XmrPublicKey:     resp.XmrPublicKey,
			ScreenshotWidth:  resp.ScreenshotWidth,
			ScreenshotHeight: resp.ScreenshotHeight,
			StatsEnabled:     resp.StatsEnabled == "1",
			LogLevel:         resp.LogLevel,
			DisplayName:      resp.DisplayName,
		},
	}, nil
}

type filesResponseXML struct {
	XMLName xml.Name      `xml:"files"`
	Files   []fileItemXML `xml:"file"`
}

type fileItemXML struct {
	Type string `xml:"type,attr"`
	ID   int    `xml:"id,attr"`
	Path string `xml:"path,attr"`
	MD5  string `xml:"md5,attr"`
	Size int64  `xml:"size,attr"`
	Code string `xml:"code,attr"`
}

// RequiredFiles fetches the manifest of everything the player must hold
// locally.
func (c *Client) RequiredFiles() ([]models.RequiredFile, []byte, error) {
	inner, err := c.call("RequiredFiles", param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey))
	if err != nil {
		return nil, nil, err
	}

	raw := unwrapReturn(inner)
	var resp filesResponseXML
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal RequiredFiles response: %w", err)
	}

	var out []models.RequiredFile
	for _, f := range resp.Files {
		var ftype models.FileType
		switch strings.ToUpper(f.Type) {
		case "L", "LAYOUT":
			ftype = models.FileLayout
		case "M", "MEDIA":
			ftype = models.FileMedia
		case "R", "RESOURCE":
			ftype = models.FileWidget
		default:
			c.logger.Warnf("RequiredFiles: skipping entry with unknown type %q", f.Type)
			continue
		}
		out = append(out, models.RequiredFile{
			Type: ftype,
			ID:   f.ID,
			Path: f.Path,
			MD5:  f.MD5,
			Size: f.Size,
			Code: f.Code,
		})
	}
	return out, raw, nil
}

// Schedule fetches and parses the schedule document. The raw bytes are
// returned as well so the core can snapshot them.
func (c *Client) Schedule() (*models.Schedule, []byte, error) {
	inner, err := c.call("Schedule", param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey))
	if err != nil {
		return nil, nil, err
	}
	raw := unwrapReturn(inner)
	sched, err := ParseSchedule(raw)
	if err != nil {
		return nil, nil, err
	}
	return sched, raw, nil
}

// GetResource fetches the CMS-rendered HTML for one widget. Concurrent
// requests for the same widget collapse to a single CMS round trip.
func (c *Client) GetResource(layoutID int, regionID string, mediaID int) (string, error) {
	key := fmt.Sprintf("%d/%s/%d", layoutID, regionID, mediaID)
	v, err, _ := c.resourceGroup.Do(key, func() (interface{}, error) {
		params := param("serverKey", c.cmsKey) +
			param("hardwareKey", c.hardwareKey) +
			param("layoutId", strconv.Itoa(layoutID)) +
			param("regionId", regionID) +
			param("mediaId", strconv.Itoa(mediaID))
		inner, err := c.call("GetResource", params)
		if err != nil {
			return "", err
		}
		return string(unwrapReturn(inner)), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SubmitStats uploads a batch of proof-of-play records.
func (c *Client) SubmitStats(statsXML string) error {
	_, err := c.call("SubmitStats",
		param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey)+param("statXml", statsXML))
	return err
}

// SubmitLog uploads a batch of log/fault records.
func (c *Client) SubmitLog(logXML string) error {
	_, err := c.call("SubmitLog",
		param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey)+param("logXml", logXML))
	return err
}

// NotifyStatus reports current player state (storage, layout ids) upstream.
func (c *Client) NotifyStatus(statusJSON string) error {
	_, err := c.call("NotifyStatus",
		param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey)+param("status", statusJSON))
	return err
}

// MediaInventory acknowledges which manifest entries are held locally.
func (c *Client) MediaInventory(inventoryXML string) error {
	_, err := c.call("MediaInventory",
		param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey)+param("mediaInventory", inventoryXML))
	return err
}

// BlackList reports a media item the player cannot play so the CMS stops
// scheduling it here.
func (c *Client) BlackList(mediaID int, mediaType, reason string) error {
	_, err := c.call("BlackList",
		param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey)+
			param("mediaId", strconv.Itoa(mediaID))+param("type", mediaType)+param("reason", reason))
	return err
}

// SubmitScreenShot uploads one screenshot captured by the platform shell.
func (c *Client) SubmitScreenShot(data []byte) error {
	_, err := c.call("SubmitScreenShot",
		param("serverKey", c.cmsKey)+param("hardwareKey", c.hardwareKey)+param("screenShot", string(data)))
	return err
}

// unwrapReturn strips the <...Response><return>...</return> wrapper at any
// nesting depth, tolerating CMSes that answer with the bare document.
func unwrapReturn(inner []byte) []byte {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return inner
		}
		if el, ok := tok.(xml.StartElement); ok && el.Name.Local == "return" {
			var value string
			if err := dec.DecodeElement(&value, &el); err != nil {
				return inner
			}
			return []byte(value)
		}
	}
}
