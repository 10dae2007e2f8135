package lidar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

// MaxUploadSize is the backend's upload limit (500 MiB)
const MaxUploadSize = 500 * 1024 * 1024

// allowedUploadExts are the point cloud formats the backend accepts
var allowedUploadExts = map[string]bool{
	".laz": true,
	".las": true,
}

// ValidateUploadFile checks a candidate upload before any network call.
// Violations come back as *ValidationError with a user-facing message.
func ValidateUploadFile(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedUploadExts[ext] {
		return &ValidationError{Message: fmt.Sprintf("unsupported file type %q: only .laz and .las point clouds are accepted", ext)}
	}
	if size > MaxUploadSize {
		return &ValidationError{Message: fmt.Sprintf("file is too large (%d MB): maximum upload size is %d MB", size/(1024*1024), MaxUploadSize/(1024*1024))}
	}
	return nil
}

// UploadPointCloud sends a user-provided LAZ/LAS file for processing.
// The file is validated locally first; on acceptance the backend queues
// the same job lifecycle as a download-based submission. The payload is
// streamed, never buffered whole.
func (c *Client) UploadPointCloud(ctx context.Context, parcelID, geometryWKT, filename string, payload io.Reader, size int64, config ProcessingConfig) (*Job, error) {
	if err := ValidateUploadFile(filename, size); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(writer, parcelID, geometryWKT, string(configJSON), filename, payload)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/lidar/upload", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.applyHeaders(req)

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp)
	}

	var ack submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &Job{
		ID:            ack.JobID,
		Status:        ack.Status,
		StatusMessage: ack.Message,
	}, nil
}

func writeUploadForm(writer *multipart.Writer, parcelID, geometryWKT, configJSON, filename string, payload io.Reader) error {
	if err := writer.WriteField("parcel_id", parcelID); err != nil {
		return err
	}
	if geometryWKT != "" {
		if err := writer.WriteField("geometry_wkt", geometryWKT); err != nil {
			return err
		}
	}
	if err := writer.WriteField("config", configJSON); err != nil {
		return err
	}

	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, payload)
	return err
}
