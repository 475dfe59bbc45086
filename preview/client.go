package preview

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	cf "github.com/cloudflare/cloudflare-go"

	"drydock/types"
)

// Client handles DNS record management for environment previews
type Client struct {
	api        *cf.API
	config     types.PreviewConfig
	domainMap  map[string]types.ServicePreview // Maps service name to preview info
	mu         sync.RWMutex
	serverAddr string // The server's public IP or hostname
}

// NewClient creates a new preview DNS client
func NewClient(config types.PreviewConfig, serverAddr string) (*Client, error) {
	if !config.Enabled {
		return &Client{
			config:     config,
			domainMap:  make(map[string]types.ServicePreview),
			serverAddr: serverAddr,
		}, nil
	}

	api, err := cf.NewWithAPIToken(config.APIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}

	return &Client{
		api:        api,
		config:     config,
		domainMap:  make(map[string]types.ServicePreview),
		serverAddr: serverAddr,
	}, nil
}

// CreateRecord creates a preview DNS record for a service
func (c *Client) CreateRecord(ctx context.Context, service string) (*types.ServicePreview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// If not enabled, just return mock data
	if !c.config.Enabled {
		log.Printf("Preview: DNS integration disabled. Would create record for service '%s'", service)
		mockPreview := &types.ServicePreview{
			Service: service,
			Domain:  c.previewName(service) + "." + c.config.BaseDomain,
		}
		c.domainMap[service] = *mockPreview
		return mockPreview, nil
	}

	subdomain := sanitizeForDNS(c.previewName(service))
	fullDomain := fmt.Sprintf("%s.%s", subdomain, c.config.BaseDomain)

	// Create DNS record via Cloudflare API
	proxied := false // Preview traffic goes straight to the environment host
	recordParams := cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    subdomain,
		Content: c.serverAddr,
		TTL:     120, // Short TTL; preview environments are ephemeral
		Proxied: &proxied,
	}

	log.Printf("Preview: Creating DNS record for %s -> %s", fullDomain, c.serverAddr)

	record, err := c.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(c.config.ZoneID), recordParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS record: %w", err)
	}

	preview := types.ServicePreview{
		Service: service,
		Domain:  fullDomain,
		DNSRecord: types.DNSRecord{
			RecordID: record.ID,
			Name:     fullDomain,
			Content:  c.serverAddr,
			Type:     "A",
			Proxied:  false,
		},
	}

	c.domainMap[service] = preview
	log.Printf("Preview: Created DNS record for %s (ID: %s)", fullDomain, record.ID)

	return &preview, nil
}

// DeleteRecord removes a service's preview DNS record
func (c *Client) DeleteRecord(ctx context.Context, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	preview, exists := c.domainMap[service]
	if !exists {
		return fmt.Errorf("no preview record found for service: %s", service)
	}

	// If not enabled, just remove from local map
	if !c.config.Enabled {
		log.Printf("Preview: DNS integration disabled. Would delete record for service '%s'", service)
		delete(c.domainMap, service)
		return nil
	}

	if preview.DNSRecord.RecordID == "" {
		return fmt.Errorf("no DNS record ID found for domain: %s", preview.Domain)
	}

	log.Printf("Preview: Deleting DNS record for %s (ID: %s)", preview.Domain, preview.DNSRecord.RecordID)

	err := c.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(c.config.ZoneID), preview.DNSRecord.RecordID)
	if err != nil {
		return fmt.Errorf("failed to delete DNS record: %w", err)
	}

	delete(c.domainMap, service)
	log.Printf("Preview: Deleted DNS record for %s", preview.Domain)

	return nil
}

// GetRecord retrieves preview information for a service
func (c *Client) GetRecord(service string) (types.ServicePreview, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	preview, exists := c.domainMap[service]
	return preview, exists
}

// GetAllRecords returns all registered preview records
func (c *Client) GetAllRecords() []types.ServicePreview {
	c.mu.RLock()
	defer c.mu.RUnlock()

	previews := make([]types.ServicePreview, 0, len(c.domainMap))
	for _, preview := range c.domainMap {
		previews = append(previews, preview)
	}
	return previews
}

// previewName builds the per-service label, e.g. "client-staging"
func (c *Client) previewName(service string) string {
	if c.config.Environment == "" {
		return service
	}
	return service + "-" + c.config.Environment
}

// sanitizeForDNS removes characters that aren't valid in a DNS name
// and ensures it follows DNS naming conventions
func sanitizeForDNS(name string) string {
	// Replace spaces and special chars with hyphens
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + 32 // Convert to lowercase
		}
		return '-'
	}, name)

	// Remove consecutive hyphens
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}

	// Ensure it doesn't start or end with a hyphen
	sanitized = strings.Trim(sanitized, "-")

	// Ensure it's not empty after sanitization
	if sanitized == "" {
		sanitized = "env"
	}

	return sanitized
}
