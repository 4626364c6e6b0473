package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 4 << 10
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() []error {
	if e.Status == http.StatusNotFound {
		return []error{ErrPersistenceFailed, ErrNotFound}
	}
	return []error{ErrPersistenceFailed}
}

type HTTPClientOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPClient implements MeetingService, ArtifactStore and RecordingIndex
// against the meeting REST API.
type HTTPClient struct {
	base   *url.URL
	hc     *http.Client
	logger *slog.Logger
}

var (
	_ MeetingService = (*HTTPClient)(nil)
	_ ArtifactStore  = (*HTTPClient)(nil)
	_ RecordingIndex = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL string, opts HTTPClientOptions) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{base: u, hc: hc, logger: logger}, nil
}

func (c *HTTPClient) CreateMeeting(ctx context.Context) (Meeting, error) {
	var m Meeting
	if err := c.do(ctx, http.MethodPost, "/api/meetings/create", nil, "", &m); err != nil {
		return Meeting{}, err
	}
	if m.MeetID == "" {
		return Meeting{}, fmt.Errorf("%w: create meeting: response has no meetId", ErrPersistenceFailed)
	}
	return m, nil
}

func (c *HTTPClient) GetMeeting(ctx context.Context, meetID string) (Meeting, error) {
	var m Meeting
	if err := c.do(ctx, http.MethodGet, "/api/meetings/"+url.PathEscape(meetID), nil, "", &m); err != nil {
		return Meeting{}, err
	}
	if m.MeetID == "" {
		m.MeetID = meetID
	}
	return m, nil
}

func (c *HTTPClient) EndMeeting(ctx context.Context, meetID string) error {
	return c.do(ctx, http.MethodPost, "/api/meetings/"+url.PathEscape(meetID)+"/end", nil, "", nil)
}

func (c *HTTPClient) ListRecordings(ctx context.Context, meetID string) ([]StoredRecord, error) {
	var recs []StoredRecord
	if err := c.do(ctx, http.MethodGet, "/api/recordings/meet/"+url.PathEscape(meetID), nil, "", &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// SaveArtifact uploads blob as multipart form data. The reply may be the
// stored record itself or wrap it under "recording"; anything else falls back
// to a record built from meta.
func (c *HTTPClient) SaveArtifact(ctx context.Context, meta ArtifactMeta, blob []byte) (StoredRecord, error) {
	filename := meta.Filename()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"meetId", meta.MeetID},
		{"userId", meta.UserID},
		{"userName", meta.UserName},
		{"recordingType", meta.Label},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return StoredRecord{}, err
		}
	}

	contentType := meta.MimeType
	if contentType == "" {
		contentType = "video/webm"
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="recording"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return StoredRecord{}, err
	}
	if _, err := part.Write(blob); err != nil {
		return StoredRecord{}, err
	}
	if err := mw.Close(); err != nil {
		return StoredRecord{}, err
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/recordings/save", &body, mw.FormDataContentType(), &raw); err != nil {
		return StoredRecord{}, err
	}

	rec := decodeSaveResponse(raw)
	if rec.MeetID == "" {
		rec.MeetID = meta.MeetID
	}
	if rec.UserID == "" {
		rec.UserID = meta.UserID
	}
	if rec.UserName == "" {
		rec.UserName = meta.UserName
	}
	if rec.RecordingType == "" {
		rec.RecordingType = meta.Label
	}
	if rec.Filename == "" {
		rec.Filename = filename
	}
	if rec.Size == 0 {
		rec.Size = int64(len(blob))
	}
	c.logger.Info("recording saved", "meet_id", rec.MeetID, "user_id", rec.UserID, "label", rec.RecordingType, "bytes", rec.Size)
	return rec, nil
}

func decodeSaveResponse(raw json.RawMessage) StoredRecord {
	var wrapped struct {
		Recording *StoredRecord `json:"recording"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Recording != nil {
		return *wrapped.Recording
	}
	var rec StoredRecord
	if err := json.Unmarshal(raw, &rec); err == nil {
		return rec
	}
	return StoredRecord{}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrPersistenceFailed, method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrPersistenceFailed, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %w", ErrPersistenceFailed, method, path, err)
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode: %w", ErrPersistenceFailed, method, path, err)
	}
	return nil
}
