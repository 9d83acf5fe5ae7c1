package mtp

// Config configures device-identity fields reported by GetDeviceInfo.
type Config struct {
	VendorID        uint16
	ProductID       uint16
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	Callback        Callback
}

// ConfigOption customizes a Config.
type ConfigOption func(*Config)

// WithVendorProduct overrides the default vendor/product ids.
func WithVendorProduct(vendorID, productID uint16) ConfigOption {
	return func(c *Config) {
		c.VendorID = vendorID
		c.ProductID = productID
	}
}

// WithDeviceStrings sets the manufacturer, model, firmware version, and
// serial number reported in GetDeviceInfo.
func WithDeviceStrings(manufacturer, model, firmware, serial string) ConfigOption {
	return func(c *Config) {
		c.Manufacturer = manufacturer
		c.Model = model
		c.FirmwareVersion = firmware
		c.SerialNumber = serial
	}
}

// WithCallback sets the session-wide state-change callback.
func WithCallback(cb Callback) ConfigOption {
	return func(c *Config) {
		c.Callback = cb
	}
}

// NewConfig builds a Config from opts, seeded with the reference defaults.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		VendorID:        DefaultVendorID,
		ProductID:       DefaultProductID,
		Manufacturer:    "cyberfoil",
		Model:           "MTP Responder",
		FirmwareVersion: "1.0",
		SerialNumber:    "0000000000000000",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Callback == nil {
		cfg.Callback = noopCallback
	}
	return cfg
}
