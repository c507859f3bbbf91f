package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// CapabilityFundingFeed is the environment variable the funding watch agent
// requires. Its registry descriptor lists it as a required capability, so
// the agent is unavailable until the feed URL is configured.
const CapabilityFundingFeed = "FUNDING_FEED_URL"

const maxFeedBytes = 4 << 20 // 4 MB

// FundingWatch polls an external funding data feed and reports how many
// entries it collected. It exists to exercise the MissingCapability path
// and to give webhook triggers a realistic data-collection target.
type FundingWatch struct {
	feedURL string
	client  *http.Client
}

// NewFundingWatch creates the funding feed collector. client may be nil.
func NewFundingWatch(feedURL string, client *http.Client) *FundingWatch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FundingWatch{feedURL: feedURL, client: client}
}

// Execute implements Agent.
func (f *FundingWatch) Execute(ctx context.Context, _ model.AgentInput) (model.AgentOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feedURL, nil)
	if err != nil {
		return model.AgentOutput{}, fmt.Errorf("fundingwatch: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return model.AgentOutput{}, fmt.Errorf("fundingwatch: fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.AgentOutput{
			Success: false,
			Errors:  []string{fmt.Sprintf("feed returned status %d", resp.StatusCode)},
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return model.AgentOutput{}, fmt.Errorf("fundingwatch: read feed: %w", err)
	}

	var entries []map[string]any
	if err := json.Unmarshal(body, &entries); err != nil {
		return model.AgentOutput{
			Success: false,
			Errors:  []string{fmt.Sprintf("feed is not a JSON array: %v", err)},
		}, nil
	}

	conf := 0.9
	return model.AgentOutput{
		Success:    true,
		Confidence: &conf,
		Data: map[string]any{
			"items_processed": len(entries),
			"feed_bytes":      len(body),
		},
	}, nil
}
