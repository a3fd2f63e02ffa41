package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/example/courtkeeper/internal/credential"
)

// Classification of gateway outcomes. The external service never returns an
// explicit "session expired" code: a dead session silently redirects to the
// login page, so an HTML body in place of the expected JSON payload is the
// sole session-invalid signal. That inference lives here and nowhere else.
var (
	ErrSessionInvalid  = errors.New("gateway: session invalid")
	ErrSlotUnavailable = errors.New("gateway: slot unavailable")
)

// ResourceKey addresses one bookable slot.
type ResourceKey struct {
	Date      string `json:"date"` // YYYY-MM-DD
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	VenueID   string `json:"venueId,omitempty"` // empty = any matching slot
	VenueName string `json:"venueName,omitempty"`
}

func (k ResourceKey) String() string {
	name := k.VenueName
	if name == "" {
		name = "any venue"
	}
	return fmt.Sprintf("%s %s-%s %s", k.Date, k.StartTime, k.EndTime, name)
}

// StartsBefore reports whether the slot's own start time has passed; a lease
// past its usage time is moot.
func (k ResourceKey) StartsBefore(now time.Time) bool {
	dt, err := time.ParseInLocation("2006-01-02 15:04", k.Date+" "+k.StartTime, serviceTZ)
	if err != nil {
		return false
	}
	return now.After(dt)
}

// Slot is one availability descriptor from the gateway.
type Slot struct {
	VenueID      int64   `json:"venueId"`
	VenueName    string  `json:"venueName"`
	StartTime    string  `json:"startTime"`
	EndTime      string  `json:"endTime"`
	AvailNum     int     `json:"availNum"`
	Price        float64 `json:"price"`
	StadiumID    int     `json:"stadiumId"`
	FixedPurpose string  `json:"fixedPurpose"`
}

// Open reports whether the slot has exactly one open unit and no fixed
// external purpose.
func (s Slot) Open() bool {
	return s.AvailNum == 1 && s.FixedPurpose == ""
}

// The booking service keys all dates to UTC+8 regardless of server locale.
var serviceTZ = time.FixedZone("UTC+8", 8*60*60)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	ProjectID int
	StadiumID int
}

type Client struct {
	hc  *http.Client
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.ProjectID == 0 {
		cfg.ProjectID = 3
	}
	if cfg.StadiumID == 0 {
		cfg.StadiumID = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		hc:  &http.Client{Timeout: cfg.Timeout},
		cfg: cfg,
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	return e.Code == 1 || e.Code == 200
}

// QueryAvailability lists the slot grid for one date using cred's
// token+cookie pair.
func (c *Client) QueryAvailability(ctx context.Context, cred credential.Credential, date string) ([]Slot, error) {
	ts, _, err := bookingParams(date)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"projectId":   c.cfg.ProjectID,
		"stadiumId":   c.cfg.StadiumID,
		"belongDate":  ts,
		"weekday":     "",
		"bookingType": "week",
	}
	body, err := c.postJSON(ctx, "/api/pc/venue/pc/booking", cred, payload)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("gateway: malformed availability payload: %w", err)
	}
	if !env.ok() {
		return nil, fmt.Errorf("gateway: availability query rejected: %s", env.Msg)
	}
	var data struct {
		Sessions []Slot `json:"venueSessionResponses"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("gateway: malformed availability payload: %w", err)
	}
	return data.Sessions, nil
}

// SubmitReservation claims (or renews) one slot. nil means the gateway
// confirmed the reservation; ErrSlotUnavailable carries the server's own
// message for logging.
func (c *Client) SubmitReservation(ctx context.Context, cred credential.Credential, userID int64, key ResourceKey, price float64) error {
	ts, week, err := bookingParams(key.Date)
	if err != nil {
		return err
	}
	venueID, err := strconv.ParseInt(key.VenueID, 10, 64)
	if err != nil {
		return fmt.Errorf("gateway: reservation needs a numeric venue id, got %q", key.VenueID)
	}
	payload := map[string]any{
		"userId":      userID,
		"receipts":    price,
		"buyerSource": 4,
		"stadiumId":   c.cfg.StadiumID,
		"mode":        "week",
		"rentals": []map[string]any{{
			"belongDate": ts,
			"week":       week,
			"start":      key.StartTime,
			"end":        key.EndTime,
			"venueId":    venueID,
		}},
	}
	body, err := c.postJSON(ctx, "/api/pc/order/rental/orders/apply", cred, payload)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("gateway: malformed reservation payload: %w", err)
	}
	if env.ok() || strings.Contains(env.Msg, "成功") {
		return nil
	}
	msg := env.Msg
	if msg == "" {
		msg = fmt.Sprintf("code=%d", env.Code)
	}
	return fmt.Errorf("%w: %s", ErrSlotUnavailable, msg)
}

func (c *Client) postJSON(ctx context.Context, path string, cred credential.Credential, payload any) ([]byte, error) {
	jb, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(jb))
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json, text/plain, */*")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")
	req.Header.Set("origin", c.cfg.BaseURL)
	req.Header.Set("referer", c.cfg.BaseURL+"/vb-user/booking")
	req.Header.Set("authorization", "Bearer "+cred.Token)
	for name, value := range cred.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if isLoginPage(res, body) {
		return nil, ErrSessionInvalid
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: HTTP %d", res.StatusCode)
	}
	return body, nil
}

// isLoginPage detects the silent redirect-to-login: a 200 whose body is an
// HTML document where JSON was expected.
func isLoginPage(res *http.Response, body []byte) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/html") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 256)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// bookingParams converts a YYYY-MM-DD date into the millisecond timestamp
// and ISO weekday the gateway expects, anchored to the service timezone.
func bookingParams(date string) (int64, int, error) {
	dt, err := time.ParseInLocation("2006-01-02", date, serviceTZ)
	if err != nil {
		return 0, 0, fmt.Errorf("gateway: invalid date %q (want YYYY-MM-DD)", date)
	}
	weekday := int(dt.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return dt.UnixMilli(), weekday, nil
}
