package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

const (
	devicePrefix = "device_"
	authSuffix   = "_auth"
)

// DeviceKey is the key of the descriptor for id.
func DeviceKey(id string) string { return devicePrefix + id }

// AuthKey is the key of the authorization header for id.
func AuthKey(id string) string { return devicePrefix + id + authSuffix }

// IsAuthKey reports whether key holds an authorization header.
func IsAuthKey(key string) bool {
	return strings.HasPrefix(key, devicePrefix) && strings.HasSuffix(key, authSuffix)
}

// ValidateID rejects ids whose descriptor key would collide with the auth
// key of another device.
func ValidateID(id string) error {
	if id == "" {
		return errs.Validation("Device id is required")
	}
	if strings.HasSuffix(id, authSuffix) {
		return errs.Validation("Device id %q must not end in %q", id, authSuffix)
	}
	return nil
}

// Devices reads and writes device entries on top of a Store.
type Devices struct {
	s Store
}

func NewDevices(s Store) *Devices {
	return &Devices{s: s}
}

// Save stores d without its credentials and, when non-empty, the derived
// authorization header.
func (d *Devices) Save(ctx context.Context, desc device.Descriptor, authHeader string) error {
	if err := ValidateID(desc.ID); err != nil {
		return err
	}
	desc.Credentials = nil
	desc.Test = false

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode device %s: %w", desc.ID, err)
	}
	if err := d.s.Put(ctx, DeviceKey(desc.ID), data); err != nil {
		return err
	}
	if authHeader == "" {
		return nil
	}
	return d.s.Put(ctx, AuthKey(desc.ID), []byte(authHeader))
}

// Load returns the stored descriptor for id.
func (d *Devices) Load(ctx context.Context, id string) (device.Descriptor, error) {
	var desc device.Descriptor
	data, err := d.s.Get(ctx, DeviceKey(id))
	if err != nil {
		return desc, err
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("failed to decode device %s: %w", id, err)
	}
	return desc, nil
}

// Auth returns the stored authorization header for id, or ErrNotFound.
func (d *Devices) Auth(ctx context.Context, id string) (string, error) {
	v, err := d.s.Get(ctx, AuthKey(id))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// ClearAuth forgets the authorization header for id.
func (d *Devices) ClearAuth(ctx context.Context, id string) error {
	return d.s.Delete(ctx, AuthKey(id))
}

// Remove deletes both entries for id.
func (d *Devices) Remove(ctx context.Context, id string) error {
	return errors.Join(
		d.s.Delete(ctx, DeviceKey(id)),
		d.s.Delete(ctx, AuthKey(id)),
	)
}

// List returns every stored descriptor ordered by key.
func (d *Devices) List(ctx context.Context) ([]device.Descriptor, error) {
	keys, err := d.s.Keys(ctx, devicePrefix)
	if err != nil {
		return nil, err
	}
	var out []device.Descriptor
	for _, k := range keys {
		if IsAuthKey(k) {
			continue
		}
		desc, err := d.Load(ctx, strings.TrimPrefix(k, devicePrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}
