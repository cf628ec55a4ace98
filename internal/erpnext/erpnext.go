// Package erpnext is a client for the ERPNext REST API, used as the
// attendance system-of-record (Employee Checkin documents and their selfies).
package erpnext

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	checkinDoctype = "Employee Checkin"

	// TimeLayout is the datetime format ERPNext expects.
	TimeLayout = "2006-01-02 15:04:05"

	defaultTimeout = 15 * time.Second
)

// Client represents a client for the ERPNext API.
type Client struct {
	baseURL   *url.URL
	apiKey    string
	apiSecret string
	http      *http.Client
}

// NewClient creates an ERPNext client. A zero timeout uses 15 seconds.
func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("ERPNext URL is required")
	}
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ERPNext URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid ERPNext URL scheme %q", parsed.Scheme)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:   parsed,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) authHeader() string {
	return "token " + c.apiKey + ":" + c.apiSecret
}

// Checkin is an Employee Checkin document.
type Checkin struct {
	Name     string
	Employee string
	LogType  string // "IN", "OUT" or whatever ERPNext returned
	Time     string
}

// checkinFromDoc reads a checkin from a raw document. Older ERPNext versions
// and custom fields have used "log type" and "type" for the log type.
func checkinFromDoc(doc map[string]any) *Checkin {
	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := doc[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	return &Checkin{
		Name:     str("name"),
		Employee: str("employee"),
		LogType:  str("log_type", "log type", "type"),
		Time:     str("time"),
	}
}

type listResponse struct {
	Data []map[string]any `json:"data"`
}

type docResponse struct {
	Data map[string]any `json:"data"`
}

// LastCheckin returns the most recent checkin of employee, or nil if there is none.
// The list endpoint does not always include log_type, so the full document is
// fetched as well; if that fails the list row is returned.
func (c *Client) LastCheckin(ctx context.Context, employee string) (*Checkin, error) {
	filters, err := json.Marshal([][]string{{"employee", "=", employee}})
	if err != nil {
		return nil, fmt.Errorf("could not marshal filters: %w", err)
	}
	query := url.Values{}
	query.Set("filters", string(filters))
	query.Set("order_by", "time desc")
	query.Set("limit_page_length", "1")
	query.Set("fields", `["name","employee","log_type","time"]`)

	list, err := doGetJSON[listResponse](ctx, c, []string{"api", "resource", checkinDoctype}, query)
	if err != nil {
		return nil, fmt.Errorf("listing checkins: %w", err)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}

	last := checkinFromDoc(list.Data[0])
	if last.Name == "" {
		return last, nil
	}

	full, err := doGetJSON[docResponse](ctx, c, []string{"api", "resource", checkinDoctype, last.Name}, nil)
	if err != nil || full.Data == nil {
		return last, nil
	}
	return checkinFromDoc(full.Data), nil
}

// CheckinRequest holds the fields of a new checkin.
type CheckinRequest struct {
	Employee  string
	LogType   string
	Time      time.Time
	Latitude  float64
	Longitude float64
	DeviceID  string
}

type createCheckinPayload struct {
	Employee  string  `json:"employee"`
	LogType   string  `json:"log_type"`
	Time      string  `json:"time"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	DeviceID  string  `json:"device_id"`
}

// CreateCheckin creates an Employee Checkin and returns its document name.
func (c *Client) CreateCheckin(ctx context.Context, req CheckinRequest) (string, error) {
	payload := createCheckinPayload{
		Employee:  req.Employee,
		LogType:   req.LogType,
		Time:      req.Time.Format(TimeLayout),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		DeviceID:  req.DeviceID,
	}

	resp, err := doPostJSONCreated[docResponse](ctx, c, []string{"api", "resource", checkinDoctype}, payload)
	if err != nil {
		return "", fmt.Errorf("creating checkin: %w", err)
	}
	name, _ := resp.Data["name"].(string)
	if name == "" {
		return "", fmt.Errorf("creating checkin: %w: response has no document name", ErrUnavailable)
	}
	return name, nil
}

type uploadFilePayload struct {
	Doctype        string `json:"doctype"`
	AttachedToName string `json:"attached_to_name"`
	FileName       string `json:"file_name"`
	IsPrivate      int    `json:"is_private"`
	Content        string `json:"content"`
	Decode         bool   `json:"decode"`
}

// UploadSelfie attaches a JPEG to a checkin as a private file and returns the file URL.
func (c *Client) UploadSelfie(ctx context.Context, checkinName string, jpegData []byte) (string, error) {
	payload := uploadFilePayload{
		Doctype:        checkinDoctype,
		AttachedToName: checkinName,
		FileName:       fmt.Sprintf("selfie_%s.jpg", checkinName),
		IsPrivate:      1,
		Content:        base64.StdEncoding.EncodeToString(jpegData),
		Decode:         true,
	}

	resp, err := doPostJSONCreated[docResponse](ctx, c, []string{"api", "resource", "File"}, payload)
	if err != nil {
		return "", fmt.Errorf("uploading selfie: %w", err)
	}
	fileURL, _ := resp.Data["file_url"].(string)
	if fileURL == "" {
		return "", errors.New("uploading selfie: response has no file_url")
	}
	return fileURL, nil
}

// SetCheckinSelfie stores the selfie URL on the checkin document.
func (c *Client) SetCheckinSelfie(ctx context.Context, checkinName, fileURL string) error {
	_, err := doPutJSON[docResponse](ctx, c, []string{"api", "resource", checkinDoctype, checkinName},
		map[string]string{"selfie": fileURL})
	if err != nil {
		return fmt.Errorf("updating checkin selfie: %w", err)
	}
	return nil
}
