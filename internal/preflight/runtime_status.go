package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const usbDevicesPath = "/sys/bus/usb/devices"

// DeviceProbe reports the capture card's current attachment state.
type DeviceProbe struct {
	Configured bool
	Attached   bool
	VendorID   string
	ProductID  string
}

// ProbeCaptureDevice scans the USB device tree for the configured capture
// card. Best effort: an unreadable sysfs reports the card as not attached.
func ProbeCaptureDevice(vendorID, productID string) DeviceProbe {
	vendorID = strings.ToLower(strings.TrimSpace(vendorID))
	productID = strings.ToLower(strings.TrimSpace(productID))
	probe := DeviceProbe{VendorID: vendorID, ProductID: productID}
	if vendorID == "" || productID == "" {
		return probe
	}
	probe.Configured = true
	probe.Attached = usbDeviceAttached(usbDevicesPath, vendorID, productID)
	return probe
}

func usbDeviceAttached(root, vendorID, productID string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		vendor, err := os.ReadFile(filepath.Join(root, entry.Name(), "idVendor"))
		if err != nil {
			continue
		}
		if strings.ToLower(strings.TrimSpace(string(vendor))) != vendorID {
			continue
		}
		product, err := os.ReadFile(filepath.Join(root, entry.Name(), "idProduct"))
		if err != nil {
			continue
		}
		if strings.ToLower(strings.TrimSpace(string(product))) == productID {
			return true
		}
	}
	return false
}

// Detail renders a display-friendly summary for status output.
func (p DeviceProbe) Detail() string {
	switch {
	case !p.Configured:
		return "Not configured"
	case p.Attached:
		return fmt.Sprintf("Attached (%s:%s)", p.VendorID, p.ProductID)
	default:
		return fmt.Sprintf("Not attached (%s:%s)", p.VendorID, p.ProductID)
	}
}
