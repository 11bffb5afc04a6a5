package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var ErrProvisioningUnavailable = errors.New("room provisioning is not configured")

// Provisioner creates a video room keyed by appointment id. Online and
// emergency accepts need one; a failure fails the accept, since the
// appointment is unusable without a room.
type Provisioner interface {
	CreateRoom(ctx context.Context, appointmentID uuid.UUID) (string, error)
}

// HTTPProvisioner calls an external room service.
type HTTPProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvisioner(baseURL, token string) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvisioner) CreateRoom(ctx context.Context, appointmentID uuid.UUID) (string, error) {
	if p.baseURL == "" {
		return "", ErrProvisioningUnavailable
	}

	body, err := json.Marshal(map[string]string{"appointment_id": appointmentID.String()})
	if err != nil {
		return "", fmt.Errorf("marshal room request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build room request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("room service returned %d", resp.StatusCode)
	}

	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode room response: %w", err)
	}
	if out.RoomID == "" {
		return "", errors.New("room service returned empty room_id")
	}
	return out.RoomID, nil
}
