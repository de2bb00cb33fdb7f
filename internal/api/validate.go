package api

import (
	"fmt"
	"net/url"
	"strings"

	"delivnav/internal/model"
)

func validateNewDelivery(req *model.DeliveryRecord) error {
	if req.BuyerID == "" {
		return fmt.Errorf("buyerId is required")
	}
	if req.SellerID == "" {
		return fmt.Errorf("sellerId is required")
	}
	if req.BuyerID == req.SellerID {
		return fmt.Errorf("buyerId and sellerId must differ")
	}
	if req.Pickup.Empty() {
		return fmt.Errorf("pickup is required")
	}
	if req.Dropoff.Empty() {
		return fmt.Errorf("dropoff is required")
	}
	for _, d := range []struct {
		name string
		pt   model.PointDescriptor
	}{{"pickup", req.Pickup}, {"dropoff", req.Dropoff}} {
		if n := len(d.pt.Coordinates); n != 0 && n != 2 {
			return fmt.Errorf("%s coordinates must be [lng, lat]", d.name)
		}
		if len(d.pt.Coordinates) == 2 {
			p := model.GeoPoint{Lat: d.pt.Coordinates[1], Lng: d.pt.Coordinates[0]}
			if !p.Valid() {
				return fmt.Errorf("%s coordinates out of range", d.name)
			}
		}
	}
	return nil
}

func validateSubscription(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be a valid http(s) URL")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	allowed := map[string]struct{}{
		model.EventStageChanged: {},
		model.EventPosition:     {},
		model.EventQRIssued:     {},
		model.EventQRConfirmed:  {},
	}
	for _, e := range req.Events {
		if _, ok := allowed[strings.ToLower(e)]; !ok {
			return fmt.Errorf("unknown event type: %s", e)
		}
	}
	if req.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	return nil
}
