package xmds

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"signaged/internal/logger"
	"signaged/internal/models"
)

// Client speaks the CMS player protocol: register, required files, schedule,
// widget resources and the structured submissions. All calls are POSTed SOAP
// envelopes against the xmds endpoint.
type Client struct {
	httpClient  *http.Client
	logger      logger.Logger
	cmsURL      string
	cmsKey      string
	hardwareKey string
	maxRetries  int
	retryDelay  time.Duration

	resourceGroup singleflight.Group
}

// NewClient creates a CMS client.
func NewClient(cmsURL, cmsKey, hardwareKey string, log logger.Logger) *Client {
	transport := &http.Transport{
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &Client{
		httpClient:  &http.Client{Transport: transport},
		logger:      log,
		cmsURL:      cmsURL,
		cmsKey:      cmsKey,
		hardwareKey: hardwareKey,
		maxRetries:  3,
		retryDelay:  time.Second,
	}
}

// HTTPClient exposes the underlying client so the download pipeline and
// widget-HTML subresource fetches share its transport.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// SetRetryDelay shortens the backoff between attempts. Tests use this.
func (c *Client) SetRetryDelay(d time.Duration) { c.retryDelay = d }

// FileURL resolves a manifest entry's path against the CMS base URL.
func (c *Client) FileURL(f models.RequiredFile) string {
	base, err := url.Parse(c.cmsURL)
	if err != nil {
		return f.Path
	}
	ref, err := url.Parse(f.Path)
	if err != nil {
		return f.Path
	}
	return base.ResolveReference(ref).String()
}

// envelope is the generic SOAP request wrapper.
type envelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	XmlnsS  string   `xml:"xmlns:soap,attr"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"soap:Body"`
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// call POSTs one SOAP method and returns the body's inner XML. Transient
// failures retry with a short delay, like every other CMS touchpoint.
func (c *Client) call(method string, params string) ([]byte, error) {
	env := envelope{XmlnsS: "http://schemas.xmlsoap.org/soap/envelope/"}
	env.Body.Inner = []byte(fmt.Sprintf("<tns:%s>%s</tns:%s>", method, params, method))
	payload, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", method, err)
	}

	endpoint := c.cmsURL + "/xmds.php?v=5"
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", method)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s attempt %d failed: %w", method, attempt, err)
			c.logger.Warnf(lastErr.Error())
			time.Sleep(c.retryDelay)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%s attempt %d failed reading body: %w", method, attempt, err)
			time.Sleep(c.retryDelay)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s attempt %d received status %d", method, attempt, resp.StatusCode)
			c.logger.Warnf(lastErr.Error())
			time.Sleep(c.retryDelay)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			// 4xx is a protocol failure; retrying the same request cannot help.
			return nil, fmt.Errorf("%s received status %d from CMS", method, resp.StatusCode)
		}

		var respEnv responseEnvelope
		if err := xml.Unmarshal(body, &respEnv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s response: %w", method, err)
		}
		return respEnv.Body.Inner, nil
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", method, c.maxRetries, lastErr)
}

func param(name, value string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(value))
	return fmt.Sprintf("<%s>%s</%s>", name, buf.String(), name)
}
