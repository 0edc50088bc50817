package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

const timeParam = "2006-01-02T15:04:05Z"

// HTTPClient is the production Client, speaking the vendor's Direct Data
// HTTP API with session-token authentication.
type HTTPClient struct {
	base    *url.URL
	session string
	client  *http.Client
}

// NewHTTPClient returns a Client rooted at baseURL (through the API
// version segment) authenticating with the given session token.
func NewHTTPClient(baseURL, session string) (*HTTPClient, error) {
	var base, err = url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing feed base URL: %w", err)
	}
	return &HTTPClient{
		base:    base,
		session: session,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

type listResponse struct {
	ResponseStatus string `json:"responseStatus"`
	Errors         []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
	Data []listedFile `json:"data"`
}

type listedFile struct {
	Filename    string     `json:"filename"`
	StartTime   string     `json:"start_time"`
	StopTime    string     `json:"stop_time"`
	RecordCount int64      `json:"record_count"`
	Fileparts   int        `json:"fileparts"`
	PartDetails []FilePart `json:"filepart_details"`
}

// ListWindows implements Client.
func (c *HTTPClient) ListWindows(ctx context.Context, extractType ExtractType, start, stop time.Time) ([]Window, error) {
	var endpoint = c.base.JoinPath("services", "directdata", "files")
	var q = endpoint.Query()
	q.Set("extract_type", string(extractType)+"_directdata")
	q.Set("start_time", start.UTC().Format(timeParam))
	q.Set("stop_time", stop.UTC().Format(timeParam))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.session)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing extract files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing extract files: feed returned %s", resp.Status)
	}
	var listed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, fmt.Errorf("decoding file listing: %w", err)
	}
	if listed.ResponseStatus != "SUCCESS" {
		var detail = "no detail"
		if len(listed.Errors) != 0 {
			detail = fmt.Sprintf("%s: %s", listed.Errors[0].Type, listed.Errors[0].Message)
		}
		return nil, fmt.Errorf("listing extract files: feed error (%s)", detail)
	}

	var windows []Window
	for _, f := range listed.Data {
		w, err := f.toWindow()
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	log.WithFields(log.Fields{
		"extractType": extractType,
		"start":       start,
		"stop":        stop,
		"windows":     len(windows),
	}).Debug("listed extract files")
	return windows, nil
}

func (f *listedFile) toWindow() (Window, error) {
	start, err := time.Parse(timeParam, f.StartTime)
	if err != nil {
		return Window{}, fmt.Errorf("file %s: parsing start_time: %w", f.Filename, err)
	}
	stop, err := time.Parse(timeParam, f.StopTime)
	if err != nil {
		return Window{}, fmt.Errorf("file %s: parsing stop_time: %w", f.Filename, err)
	}
	if f.Fileparts != len(f.PartDetails) {
		return Window{}, fmt.Errorf("file %s: %d filepart_details for %d fileparts",
			f.Filename, len(f.PartDetails), f.Fileparts)
	}
	return Window{
		Filename:    f.Filename,
		StartTime:   start,
		StopTime:    stop,
		RecordCount: f.RecordCount,
		Parts:       f.PartDetails,
	}, nil
}

// DownloadPart implements Client.
func (c *HTTPClient) DownloadPart(ctx context.Context, name string) (io.ReadCloser, error) {
	var endpoint = c.base.JoinPath("services", "directdata", "files", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.session)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading part %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading part %s: feed returned %s", name, resp.Status)
	}
	return resp.Body, nil
}

var _ Client = (*HTTPClient)(nil)
