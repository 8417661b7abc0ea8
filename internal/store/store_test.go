package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/config"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey() *[32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return &k
}

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "device_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for _, k := range []string{"device_b", "device_a", "device_a_auth", "other"} {
		if err := s.Put(ctx, k, []byte("v-"+k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ctx, "device_a", []byte("updated")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "device_a")
	if err != nil || string(got) != "updated" {
		t.Errorf("expected updated value, got %q, %v", got, err)
	}

	keys, err := s.Keys(ctx, "device_")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"device_a", "device_a_auth", "device_b"}; !slices.Equal(keys, want) {
		t.Errorf("expected %v, got %v", want, keys)
	}

	if err := s.Delete(ctx, "device_a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "device_a"); err != nil {
		t.Errorf("deleting an absent key should succeed, got %v", err)
	}
	if _, err := s.Get(ctx, "device_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "devices.json")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, f)

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	v, err := reopened.Get(context.Background(), "device_b")
	if err != nil || string(v) != "v-device_b" {
		t.Errorf("expected persisted value, got %q, %v", v, err)
	}
}

func TestFileRejectsCorruptContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSealed(t *testing.T) {
	inner := NewMemory()
	s := NewSealed(inner, testKey(), IsAuthKey)
	exerciseStore(t, s)

	ctx := context.Background()
	header := []byte("PVEAPIToken=monitor@pve!dash=s3cr3t")
	if err := s.Put(ctx, AuthKey("pve"), header); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, DeviceKey("pve"), []byte(`{"id":"pve"}`)); err != nil {
		t.Fatal(err)
	}

	raw, _ := inner.Get(ctx, AuthKey("pve"))
	if bytes.Contains(raw, []byte("s3cr3t")) {
		t.Error("auth entry stored in clear")
	}
	if plain, _ := inner.Get(ctx, DeviceKey("pve")); string(plain) != `{"id":"pve"}` {
		t.Errorf("descriptor should not be sealed, got %q", plain)
	}

	got, err := s.Get(ctx, AuthKey("pve"))
	if err != nil || !bytes.Equal(got, header) {
		t.Errorf("expected round trip, got %q, %v", got, err)
	}

	var other [32]byte
	wrong := NewSealed(inner, &other, IsAuthKey)
	if _, err := wrong.Get(ctx, AuthKey("pve")); !errors.Is(err, ErrSealBroken) {
		t.Errorf("expected ErrSealBroken with the wrong key, got %v", err)
	}
}

func TestDevices(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	d := NewDevices(mem)

	desc := device.Descriptor{
		ID:          "cluster-pve-lan",
		Type:        "cluster",
		Address:     "https://pve.lan",
		Credentials: &auth.Credentials{Username: "alice", Password: "secret"},
		Test:        true,
	}
	header := auth.Header(desc.Credentials)
	if err := d.Save(ctx, desc, header); err != nil {
		t.Fatal(err)
	}

	raw, _ := mem.Get(ctx, "device_cluster-pve-lan")
	if strings.Contains(string(raw), "secret") {
		t.Errorf("descriptor must be stored without credentials: %s", raw)
	}

	loaded, err := d.Load(ctx, desc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Address != desc.Address || loaded.Credentials != nil || loaded.Test {
		t.Errorf("unexpected loaded descriptor %+v", loaded)
	}
	if got, err := d.Auth(ctx, desc.ID); err != nil || got != header {
		t.Errorf("expected stored header, got %q, %v", got, err)
	}

	if err := d.Save(ctx, device.Descriptor{ID: "vm-1", Type: "vm", Address: "10.0.0.5"}, ""); err != nil {
		t.Fatal(err)
	}
	list, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "cluster-pve-lan" || list[1].ID != "vm-1" {
		t.Errorf("unexpected list %+v", list)
	}

	if err := d.ClearAuth(ctx, desc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Auth(ctx, desc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected cleared auth, got %v", err)
	}

	if err := d.Remove(ctx, desc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Load(ctx, desc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected removed device, got %v", err)
	}
	if err := d.Save(ctx, device.Descriptor{}, ""); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory", Key: strings.Repeat("0f", 32)}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Sealed); !ok {
		t.Errorf("expected sealed store when a key is configured, got %T", s)
	}

	s, err = Open(ctx, config.StoreConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*File); !ok {
		t.Errorf("expected file store, got %T", s)
	}

	if _, err := Open(ctx, config.StoreConfig{Driver: "redis"}, discardLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("SYSDASH_TEST_DSN")
	if dsn == "" {
		t.Skip("SYSDASH_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := openPostgres(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	keys, _ := s.Keys(ctx, "")
	for _, k := range keys {
		s.Delete(ctx, k)
	}
	exerciseStore(t, s)
}

func TestLikePrefixEscapes(t *testing.T) {
	if got := likePrefix("device_50%"); got != `device\_50\%%` {
		t.Errorf("unexpected pattern %q", got)
	}
}

func TestDevicesRejectAuthSuffixIDs(t *testing.T) {
	ctx := context.Background()
	d := NewDevices(NewMemory())

	if err := d.Save(ctx, device.Descriptor{ID: "nas", Type: "host", Address: "10.0.0.8"}, "Basic abc"); err != nil {
		t.Fatal(err)
	}
	err := d.Save(ctx, device.Descriptor{ID: "nas_auth", Type: "host", Address: "10.0.0.9"}, "")
	if !errs.Is(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if got, err := d.Auth(ctx, "nas"); err != nil || got != "Basic abc" {
		t.Errorf("auth entry of nas was touched: %q, %v", got, err)
	}
	list, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "nas" {
		t.Errorf("unexpected list %+v", list)
	}
}
