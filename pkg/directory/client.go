package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Node is one candidate exit node reported by the external directory.
type Node struct {
	Address string
	Region  string
}

type directoryEntry struct {
	IP       string `json:"ip"`
	Category string `json:"category"`
	Region   string `json:"region"`
}

// Client fetches the live node list from the external directory service.
type Client struct {
	url      string
	category string
	http     *http.Client
}

// NewClient builds a directory client. The timeout bounds the whole fetch;
// the directory is an external dependency and must never block a refresh
// indefinitely.
func NewClient(url, category string, timeout time.Duration) *Client {
	return &Client{
		url:      url,
		category: category,
		http:     &http.Client{Timeout: timeout},
	}
}

// FetchNodes retrieves the directory listing and returns the nodes matching
// the configured category.
func (c *Client) FetchNodes(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch directory: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var entries []directoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %v", err)
	}

	var nodes []Node
	for _, e := range entries {
		if !strings.EqualFold(e.Category, c.category) {
			continue
		}
		if e.IP == "" {
			continue
		}
		nodes = append(nodes, Node{Address: e.IP, Region: e.Region})
	}

	return nodes, nil
}
