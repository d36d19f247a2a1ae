package models

import "time"

// Decoders from raw document fields. Values arrive either as the Go types
// the caller wrote (in-memory backend) or as JSON round-tripped forms
// (string timestamps, map locations, float64 numbers), so each accessor
// handles both.

func ProfileFromFields(f map[string]any) Profile {
	return Profile{
		Role:      Role(stringField(f, "role")),
		IsOnline:  boolField(f, "isOnline"),
		CreatedAt: timeField(f, "createdAt"),
		UpdatedAt: timeField(f, "updatedAt"),
	}
}

func RideRequestFromFields(id string, f map[string]any) RideRequest {
	return RideRequest{
		ID:             id,
		UserID:         stringField(f, "userId"),
		Status:         RideStatus(stringField(f, "status")),
		PickupLocation: locationField(f, "pickupLocation"),
		DriverID:       stringField(f, "driverId"),
		CreatedAt:      timeField(f, "createdAt"),
		UpdatedAt:      timeField(f, "updatedAt"),
	}
}

// FieldsOf returns the stored representation of a location.
func (l Location) FieldsOf() map[string]any {
	return map[string]any{"lat": l.Lat, "lng": l.Lng}
}

func stringField(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func boolField(f map[string]any, key string) bool {
	b, _ := f[key].(bool)
	return b
}

func timeField(f map[string]any, key string) time.Time {
	switch t := f[key].(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func locationField(f map[string]any, key string) Location {
	switch l := f[key].(type) {
	case Location:
		return l
	case map[string]any:
		return Location{Lat: floatField(l, "lat"), Lng: floatField(l, "lng")}
	}
	return Location{}
}

func floatField(f map[string]any, key string) float64 {
	switch n := f[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
