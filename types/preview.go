package types

// PreviewConfig holds configuration for exposing the environment under
// preview DNS names.
type PreviewConfig struct {
	Enabled     bool   `json:"enabled"`       // Whether preview DNS registration is enabled
	APIToken    string `json:"api_token"`     // Cloudflare API token for authentication
	ZoneID      string `json:"zone_id"`       // Cloudflare Zone ID
	BaseDomain  string `json:"base_domain"`   // Base domain for preview names, e.g. "example.com"
	Environment string `json:"environment"`   // Environment label used in preview names
}

// DNSRecord represents a DNS record created for a service preview
type DNSRecord struct {
	RecordID string `json:"record_id"` // Cloudflare Record ID
	Name     string `json:"name"`      // The full domain name, e.g. "client-staging.example.com"
	Content  string `json:"content"`   // IP address or CNAME value
	Type     string `json:"type"`      // "A" or "CNAME"
	Proxied  bool   `json:"proxied"`   // Whether the record is proxied through Cloudflare
}

// ServicePreview maps a service to its assigned preview domain
type ServicePreview struct {
	Service   string    `json:"service"`              // Service name from the topology
	Domain    string    `json:"domain"`               // The assigned domain
	DNSRecord DNSRecord `json:"dns_record,omitempty"` // DNS record details
}
