package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPExecutor performs transfers against a custody service over HTTP. The
// custody side is expected to be idempotent on claim ID.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPExecutor(endpoint string) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type transferPayload struct {
	ClaimID       string `json:"claim_id"`
	VaultID       string `json:"vault_id"`
	BeneficiaryID string `json:"beneficiary_id"`
	WalletAddress string `json:"wallet_address"`
	Share         int    `json:"share"`
}

type transferResult struct {
	Ref         string    `json:"ref"`
	CompletedAt time.Time `json:"completed_at"`
}

func (e *HTTPExecutor) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	body, err := json.Marshal(transferPayload{
		ClaimID:       req.ClaimID.String(),
		VaultID:       req.VaultID.String(),
		BeneficiaryID: req.BeneficiaryID.String(),
		WalletAddress: req.WalletAddress,
		Share:         req.Share,
	})
	if err != nil {
		return nil, fmt.Errorf("encode transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("custody request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("custody returned status %d", resp.StatusCode)
	}

	var result transferResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode custody response: %w", err)
	}
	if result.Ref == "" {
		return nil, fmt.Errorf("custody response missing transfer ref")
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	return &TransferReceipt{Ref: result.Ref, CompletedAt: result.CompletedAt}, nil
}

// LocalExecutor acknowledges transfers without an external custody system.
// Used in development deployments where no custody endpoint is configured.
type LocalExecutor struct{}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (e *LocalExecutor) Transfer(_ context.Context, req TransferRequest) (*TransferReceipt, error) {
	return &TransferReceipt{
		Ref:         fmt.Sprintf("local-%s-%s", req.ClaimID, uuid.NewString()[:8]),
		CompletedAt: time.Now().UTC(),
	}, nil
}
