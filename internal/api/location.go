package api

import (
	"sync"
)

// LatestLocation holds the latest known driver location for a delivery.
type LatestLocation struct {
	Tenant     string  `json:"tenantId"`
	DeliveryID string  `json:"deliveryId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	TS         string  `json:"ts"`
}

// LocationCache stores latest driver locations per tenant/delivery. It fronts
// the store so trackers polling frequently never touch the database.
type LocationCache struct {
	mu sync.Mutex
	// key: tenant|deliveryId
	m map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) key(tenant, deliveryID string) string {
	return tenant + "|" + deliveryID
}

// Upsert stores or updates the latest location for a delivery.
func (c *LocationCache) Upsert(tenant, deliveryID string, lat, lng float64, ts string) {
	if tenant == "" || deliveryID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(tenant, deliveryID)] = LatestLocation{Tenant: tenant, DeliveryID: deliveryID, Lat: lat, Lng: lng, TS: ts}
}

// Get returns the latest location for a delivery, if known.
func (c *LocationCache) Get(tenant, deliveryID string) (LatestLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[c.key(tenant, deliveryID)]
	return v, ok
}
