// Package device holds the vocabulary shared by the link layers: discovered
// peripherals and their registry, UUID normalization, and the error taxonomy
// transports map their library errors onto.
//
// Nothing here touches a radio; the transports under internal/transport
// translate between this package and a concrete BLE stack.
package device
