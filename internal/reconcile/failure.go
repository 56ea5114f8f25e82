package reconcile

// Category is the machine-readable class of a failure
type Category string

const (
	CategoryConfiguration   Category = "configuration"
	CategoryTransport       Category = "transport"
	CategoryExhausted       Category = "exhausted"
	CategoryDeviceMissing   Category = "device_missing"
	CategoryDeviceOffline   Category = "device_offline"
	CategoryAddressMissing  Category = "address_missing"
	CategoryNotConnected    Category = "not_connected"
	CategoryMissingDeviceID Category = "missing_device_id"
	CategorySendFailed      Category = "send_failed"
	CategoryDeviceReported  Category = "device_reported"
	CategoryDurableWrite    Category = "durable_write"
)

// Failure pairs a category with a human-readable reason
type Failure struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
}

func (f *Failure) Error() string {
	return f.Reason
}

var reasons = map[Category]string{
	CategoryDeviceMissing:   "Device not found",
	CategoryDeviceOffline:   "Device is offline",
	CategoryAddressMissing:  "Device IP address not configured",
	CategoryNotConnected:    "Device not connected",
	CategoryMissingDeviceID: "No device ID provided",
	CategorySendFailed:      "Failed to send feed command",
	CategoryDurableWrite:    "Failed to record feeding",
}

func newFailure(c Category) *Failure {
	return &Failure{Category: c, Reason: reasons[c]}
}
