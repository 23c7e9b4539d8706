package goble

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/rblink/internal/device"
)

// Advert is the part of a ble.Advertisement the transport looks at.
type Advert struct {
	Addr     string
	Name     string
	RSSI     int
	Services []string
}

// Central is the local adapter: it scans and dials.
type Central interface {
	Scan(ctx context.Context, allowDup bool, handle func(Advert)) error
	Dial(ctx context.Context, addr string) (GATTClient, error)
}

// GATTClient is the subset of ble.Client used on a live link.
type GATTClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadRSSI() int
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// DeviceFactory creates the Central (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Central, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleCentral{dev: dev}, nil
}

// bleCentral wraps ble.Device to implement Central
type bleCentral struct {
	dev ble.Device
}

func (c *bleCentral) Scan(ctx context.Context, allowDup bool, handle func(Advert)) error {
	return c.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handle(newAdvert(adv))
	})
}

func (c *bleCentral) Dial(ctx context.Context, addr string) (GATTClient, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newAdvert(adv ble.Advertisement) Advert {
	a := Advert{
		Addr: adv.Addr().String(),
		Name: adv.LocalName(),
		RSSI: adv.RSSI(),
	}
	for _, u := range adv.Services() {
		a.Services = append(a.Services, u.String())
	}
	return a
}

// scanFilter decides which advertisements are reported while scanning.
type scanFilter struct {
	services  []string
	allowList []string
	blockList []string
}

func (f scanFilter) include(adv Advert) bool {
	for _, blocked := range f.blockList {
		if adv.Addr == blocked {
			return false
		}
	}

	if len(f.allowList) > 0 {
		allowed := false
		for _, a := range f.allowList {
			if adv.Addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(f.services) > 0 {
		for _, required := range f.services {
			for _, advUUID := range adv.Services {
				if device.SameUUID(required, advUUID) {
					return true
				}
			}
		}
		return false
	}

	return true
}

func (a Advert) peripheral(seen time.Time) device.Peripheral {
	return device.Peripheral{
		ID:       a.Addr,
		Name:     a.Name,
		RSSI:     a.RSSI,
		LastSeen: seen,
	}
}
