// Package daemon wires the conductor services into a single long-running
// process: the capture correlator, the render watcher, the pipeline
// controller, the USB device monitor, and the notification bridge. A file
// lock enforces one daemon per data directory.
package daemon
