package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"facewatch/internal/pipeline"
)

// Client talks to the face recognition service over HTTP. The service
// accepts a JPEG frame as a multipart upload and returns the faces it found,
// with an identity attached when the embedding matched an enrolled person.
type Client struct {
	endpoint  string
	threshold float64
	client    *http.Client
}

// faceResult is one face in the service response.
type faceResult struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Identity   *string   `json:"identity"`
	Similarity float64   `json:"similarity"`
	IsKnown    bool      `json:"is_known"`
}

type recognizeResponse struct {
	Recognitions []faceResult `json:"recognitions"`
	Count        int          `json:"count"`
}

type healthResponse struct {
	Status          string `json:"status"`
	ModelLoaded     bool   `json:"model_loaded"`
	KnownFacesCount int    `json:"known_faces_count"`
}

// NewClient creates a recognition client. threshold is the minimum
// similarity for a match to count as known; below it the face reports as
// Unknown regardless of what the service matched.
func NewClient(endpoint string, threshold float64) *Client {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Client{
		endpoint:  endpoint,
		threshold: threshold,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Recognize sends one frame and maps the response to detections. The frame
// timestamp is carried onto every detection so downstream consumers never
// re-stamp with processing time.
func (c *Client) Recognize(ctx context.Context, frame pipeline.Frame) ([]pipeline.Detection, error) {
	body, err := c.postFrame(ctx, c.endpoint+"/recognize", frame.Data)
	if err != nil {
		return nil, err
	}

	var resp recognizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode recognize response: %w", err)
	}

	dets := make([]pipeline.Detection, 0, len(resp.Recognitions))
	for _, f := range resp.Recognitions {
		if len(f.BBox) < 4 {
			continue
		}
		d := pipeline.Detection{
			Label:      pipeline.LabelUnknown,
			Confidence: f.Similarity,
			BBox: pipeline.BBox{
				X1: int(f.BBox[0]),
				Y1: int(f.BBox[1]),
				X2: int(f.BBox[2]),
				Y2: int(f.BBox[3]),
			},
			Timestamp: frame.Timestamp,
		}
		if f.IsKnown && f.Identity != nil && f.Similarity >= c.threshold {
			d.Label = *f.Identity
		}
		dets = append(dets, d)
	}
	pipeline.SortDetections(dets)
	return dets, nil
}

// Health checks the recognition service. A reachable service that has not
// loaded its model yet still counts as unhealthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if !h.ModelLoaded {
		return fmt.Errorf("recognition model not loaded (status %q)", h.Status)
	}
	return nil
}

func (c *Client) postFrame(ctx context.Context, url string, jpeg []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognition request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recognition request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
