// Package pairing obtains a persistent cloud credential by redeeming a
// short-lived, operator-visible pairing code.
package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/credential"
)

// Polling parameters: five-second cadence for roughly ten minutes.
const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 120
	httpTimeout         = 10 * time.Second
)

// Terminal pairing outcomes.
var (
	ErrCodeExpired      = errors.New("pairing code expired")
	ErrAttemptsExceeded = errors.New("pairing attempts exhausted")
	ErrRestartRequired  = errors.New("pairing code redeemed elsewhere, restart required")
)

// CodeResponse is the cloud's reply to a pairing-code request.
type CodeResponse struct {
	Code             string `json:"code"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	ExpiresInSeconds int    `json:"expiresInSeconds,omitempty"`
}

// statusResponse is one poll of the pairing-code status endpoint.
type statusResponse struct {
	Status           string `json:"status"`
	BridgeCredential string `json:"bridgeCredential,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	BridgeID         string `json:"bridgeId,omitempty"`
}

// Coordinator drives the pairing flow: request a code, show it, poll until
// an operator redeems it.
type Coordinator struct {
	cloudURL      string
	bridgeID      string
	bridgeVersion string
	haVersion     string
	store         *credential.Store
	client        *http.Client
	log           zerolog.Logger

	// Overridable for tests.
	pollInterval time.Duration
	maxAttempts  int
}

// NewCoordinator creates a pairing coordinator.
func NewCoordinator(cloudURL, bridgeID, bridgeVersion, haVersion string, store *credential.Store, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cloudURL:      strings.TrimSuffix(cloudURL, "/"),
		bridgeID:      bridgeID,
		bridgeVersion: bridgeVersion,
		haVersion:     haVersion,
		store:         store,
		client:        &http.Client{Timeout: httpTimeout},
		log:           log.With().Str("component", "pairing").Logger(),
		pollInterval:  defaultPollInterval,
		maxAttempts:   defaultMaxAttempts,
	}
}

// Run executes the pairing flow. It returns nil once a credential is
// resident (whether obtained here or by another path), or a terminal error
// when the code expires or the attempt budget runs out.
func (p *Coordinator) Run(ctx context.Context) error {
	if p.store.IsPaired() {
		p.log.Info().Msg("credential already resident, skipping pairing")
		return nil
	}

	code, err := p.RequestCode(ctx)
	if err != nil {
		return fmt.Errorf("request pairing code: %w", err)
	}

	p.displayCode(code)
	return p.poll(ctx, code.Code)
}

// RequestCode asks the cloud to mint a pairing code.
func (p *Coordinator) RequestCode(ctx context.Context) (*CodeResponse, error) {
	body, err := json.Marshal(map[string]string{
		"bridgeId":      p.bridgeID,
		"bridgeVersion": p.bridgeVersion,
		"haVersion":     p.haVersion,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cloudURL+"/api/bridge/pairing-codes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("pairing endpoint returned HTTP %d", resp.StatusCode)
	}

	var code CodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&code); err != nil {
		return nil, fmt.Errorf("parse pairing code response: %w", err)
	}
	if code.Code == "" {
		return nil, errors.New("pairing endpoint returned no code")
	}
	return &code, nil
}

// displayCode presents the code prominently in the log for the operator.
func (p *Coordinator) displayCode(code *CodeResponse) {
	p.log.Info().Msg("==========================================")
	p.log.Info().Msgf("  PAIRING CODE: %s", code.Code)
	p.log.Info().Msg("  Enter this code in the Helm app to link")
	p.log.Info().Msg("  this bridge to your account.")
	if code.ExpiresInSeconds > 0 {
		p.log.Info().Msgf("  The code expires in %d minutes.", code.ExpiresInSeconds/60)
	}
	p.log.Info().Msg("==========================================")
}

// poll watches the code status until it is redeemed, expires, or the
// attempt budget runs out.
func (p *Coordinator) poll(ctx context.Context, code string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Another path (a previous run's code, say) may have completed
		// pairing while we were waiting.
		if p.store.Refresh() {
			p.log.Info().Msg("credential appeared locally, pairing complete")
			return nil
		}

		done, err := p.checkStatus(ctx, code)
		if err != nil {
			if errors.Is(err, ErrCodeExpired) || errors.Is(err, ErrRestartRequired) {
				return err
			}
			p.log.Warn().Err(err).Int("attempt", attempt).Msg("pairing status check failed, will retry")
			continue
		}
		if done {
			return nil
		}
	}

	p.log.Error().Int("attempts", p.maxAttempts).Msg("pairing window elapsed without redemption")
	return ErrAttemptsExceeded
}

// checkStatus performs one status poll. It returns done=true when a
// credential is persisted and the loop should stop.
func (p *Coordinator) checkStatus(ctx context.Context, code string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cloudURL+"/api/bridge/pairing-codes/"+code+"/status", nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Races with a just-redeemed code: the record may be gone because
		// pairing completed.
		if p.store.Refresh() {
			return true, nil
		}
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status endpoint returned HTTP %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return false, fmt.Errorf("status endpoint returned %q, expected JSON", ct)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("parse status response: %w", err)
	}

	switch status.Status {
	case "paired":
		if status.BridgeCredential != "" {
			cred := credential.Credential{
				BridgeID:         status.BridgeID,
				BridgeCredential: status.BridgeCredential,
				TenantID:         status.TenantID,
				PairedAt:         time.Now().UTC().Format(time.RFC3339),
				CloudURL:         p.cloudURL,
			}
			if cred.BridgeID == "" {
				cred.BridgeID = p.bridgeID
			}
			if err := p.store.Save(cred); err != nil {
				return false, fmt.Errorf("persist credential: %w", err)
			}
			p.log.Info().Str("tenant_id", status.TenantID).Msg("pairing complete")
			return true, nil
		}
		// Redeemed, but the secret was already claimed by someone else.
		if p.store.Refresh() {
			return true, nil
		}
		p.log.Error().Msg("pairing code was redeemed but the credential went to another bridge; restart to pair again")
		return false, ErrRestartRequired
	case "expired":
		p.log.Error().Msg("pairing code expired; restart the bridge to get a fresh code")
		return false, ErrCodeExpired
	default:
		// pending or any other unresolved state
		return false, nil
	}
}
