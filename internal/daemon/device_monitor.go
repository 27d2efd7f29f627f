package daemon

import (
	"context"
	"strings"
	"sync"

	"log/slog"

	"github.com/pilebones/go-udev/netlink"

	"conductor/internal/logging"
	"conductor/internal/notifications"
)

// deviceMonitor listens for udev netlink events for the configured capture
// device so operators hear about cable drops without checking the rack.
type deviceMonitor struct {
	logger    *slog.Logger
	notifier  notifications.Service
	vendorID  string
	productID string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newDeviceMonitor creates a monitor for the capture deck's USB presence.
// Returns nil when no device IDs are configured; callers treat a nil
// monitor as a no-op.
func newDeviceMonitor(vendorID, productID string, notifier notifications.Service, logger *slog.Logger) *deviceMonitor {
	vendorID = strings.ToLower(strings.TrimSpace(vendorID))
	productID = strings.ToLower(strings.TrimSpace(productID))
	if vendorID == "" || productID == "" {
		return nil
	}

	return &deviceMonitor{
		logger:    logging.NewComponentLogger(logger, "device-monitor"),
		notifier:  notifier,
		vendorID:  vendorID,
		productID: productID,
	}
}

// Start begins listening for udev netlink events.
func (m *deviceMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; capture device monitoring disabled",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "device attach and detach alerts unavailable"),
		)
		return nil // Non-fatal - sessions work without device alerts
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	// Pass quit channel to goroutine to avoid reading m.quit without lock
	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("device monitor started",
		logging.String(logging.FieldEventType, "device_monitor_started"),
		logging.String("vendor_id", m.vendorID),
		logging.String("product_id", m.productID),
	)

	return nil
}

// Stop shuts down the device monitor.
func (m *deviceMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	m.running = false

	m.logger.Info("device monitor stopped",
		logging.String(logging.FieldEventType, "device_monitor_stopped"),
	)
}

// Running reports whether the device monitor is active.
func (m *deviceMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// monitorLoop reads netlink events and reports attach and detach transitions.
func (m *deviceMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	matcher := m.buildMatcher()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, matcher)

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("device monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "device_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "device alerts may be missed"),
			)
		}
	}
}

// buildMatcher creates a matcher for the configured USB capture device.
// Matches: SUBSYSTEM=usb, DEVTYPE=usb_device, configured vendor and model
// IDs, ACTION=add|remove.
func (m *deviceMonitor) buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM":    "usb",
			"DEVTYPE":      "usb_device",
			"ID_VENDOR_ID": m.vendorID,
			"ID_MODEL_ID":  m.productID,
		},
	})
	return rules
}

// handleEvent processes a matched uevent.
func (m *deviceMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	var event notifications.Event
	switch strings.ToLower(string(uevent.Action)) {
	case "add":
		event = notifications.EventDeviceAttached
	case "remove":
		event = notifications.EventDeviceDetached
	default:
		m.logger.Debug("ignoring unexpected device action",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}

	device := m.describeDevice(uevent)
	m.logger.Info("capture device state changed",
		logging.String(logging.FieldEventType, "capture_device_"+strings.ToLower(string(uevent.Action))),
		logging.String("device", device),
	)

	if m.notifier == nil {
		return
	}

	// Push delivery can take seconds; keep the netlink loop draining.
	go func() {
		if err := m.notifier.Publish(ctx, event, notifications.Payload{"device": device}); err != nil {
			m.logger.Debug("device notification failed",
				logging.String("device", device),
				logging.Error(err),
			)
		}
	}()
}

// describeDevice builds a readable device name from uevent properties.
func (m *deviceMonitor) describeDevice(uevent netlink.UEvent) string {
	vendor := strings.TrimSpace(uevent.Env["ID_VENDOR"])
	model := strings.TrimSpace(uevent.Env["ID_MODEL"])
	switch {
	case vendor != "" && model != "":
		return vendor + " " + model
	case model != "":
		return model
	default:
		return m.vendorID + ":" + m.productID
	}
}
